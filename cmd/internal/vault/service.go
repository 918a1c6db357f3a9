package vault

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"

	"otpvault/cmd/identity"
	"otpvault/cmd/identity/ids"
	"otpvault/cmd/security/envelope"
)

// Users is what the vault needs from the credential store.
type Users interface {
	GetByID(ctx context.Context, id string) (identity.User, error)
	GetByEmail(ctx context.Context, email string) (identity.User, error)
	UnwrapDEK(u identity.User) (envelope.DEK, error)
}

// Service manages TOTP items.
type Service struct {
	store Store
	users Users
	now   func() time.Time
	log   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// NewService constructs a Service.
func NewService(store Store, users Users, opts ...Option) *Service {
	s := &Service{store: store, users: users, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create validates in and stores its secret encrypted under the owner's DEK.
func (s *Service) Create(ctx context.Context, userID string, in NewItem) (Item, error) {
	const op = "vault.Create"
	in, err := in.normalize(op)
	if err != nil {
		return Item{}, err
	}
	_, dek, err := s.userKey(ctx, userID)
	if err != nil {
		return Item{}, err
	}
	sealed, err := envelope.EncryptSecret(dek, []byte(in.Secret))
	if err != nil {
		return Item{}, err
	}

	now := s.now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Item{}, err
	}
	it := Item{
		ID:              id,
		OwnerID:         userID,
		Account:         in.Account,
		Issuer:          in.Issuer,
		EncryptedSecret: sealed,
		Params:          in.Params,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateItem(ctx, it); err != nil {
		return Item{}, err
	}
	return it, nil
}

// Import creates an item from an otpauth://totp/ URI.
func (s *Service) Import(ctx context.Context, userID, uri string) (Item, error) {
	in, err := ParseURI(uri)
	if err != nil {
		return Item{}, err
	}
	return s.Create(ctx, userID, in)
}

// ParseURI reads the label, secret and parameters of an otpauth://totp/ URI.
func ParseURI(uri string) (NewItem, error) {
	const op = "vault.ParseURI"
	uri = strings.TrimSpace(uri)
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return NewItem{}, invalid(op, "uri", "uri is not a valid otpauth URI")
	}
	if key.Type() != "totp" {
		return NewItem{}, invalid(op, "uri", "only otpauth://totp URIs are supported")
	}
	if key.Secret() == "" {
		return NewItem{}, invalid(op, "uri", "uri has no secret")
	}

	in := NewItem{
		Account: key.AccountName(),
		Issuer:  key.Issuer(),
		Secret:  key.Secret(),
	}
	u, err := url.Parse(uri)
	if err != nil {
		return NewItem{}, invalid(op, "uri", "uri is not a valid otpauth URI")
	}
	q := u.Query()
	in.Params.Algorithm = q.Get("algorithm")
	if v := q.Get("digits"); v != "" {
		if in.Params.Digits, err = strconv.Atoi(v); err != nil {
			return NewItem{}, invalid(op, "digits", "digits must be 6 or 8")
		}
	}
	if v := q.Get("period"); v != "" {
		if in.Params.Period, err = strconv.Atoi(v); err != nil {
			return NewItem{}, invalid(op, "period", "period must be between 15 and 120 seconds")
		}
	}
	return in, nil
}

// List returns the caller's own items followed by items shared with it,
// each with its current code. An item whose secret cannot be decrypted
// carries CodeUnreadable instead of failing the listing.
func (s *Service) List(ctx context.Context, userID string, now time.Time) ([]Entry, error) {
	_, dek, err := s.userKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	owned, err := s.store.ListOwned(ctx, userID)
	if err != nil {
		return nil, err
	}
	shared, err := s.store.ListSharedWith(ctx, userID)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(owned)+len(shared))
	items = append(append(items, owned...), shared...)
	cts := make([]string, len(items))
	for i, it := range items {
		cts[i] = it.EncryptedSecret
	}
	secrets := envelope.DecryptAll(dek, cts)

	out := make([]Entry, len(items))
	for i, it := range items {
		out[i] = s.entry(it, i >= len(owned), secrets[i], now)
	}
	return out, nil
}

func (s *Service) entry(it Item, shared bool, secret envelope.Result, now time.Time) Entry {
	e := Entry{Item: it, Shared: shared, Code: CodeUnreadable}
	if !secret.OK() {
		s.log.Warn("vault.item.unreadable", "err", secret.Err, "item_id", it.ID)
		return e
	}
	code, remaining, err := GenerateCode(string(secret.Plain), it.Params, now)
	clear(secret.Plain)
	if err != nil {
		s.log.Warn("vault.item.code.fail", "err", err, "item_id", it.ID)
		return e
	}
	e.Code, e.Remaining = code, remaining
	return e
}

// Delete removes an item. For the owner the item and all its shares go;
// for a recipient only its own share is removed.
func (s *Service) Delete(ctx context.Context, userID, itemID string) error {
	err := s.store.DeleteItem(ctx, itemID, userID)
	if !identity.IsNotFound(err) {
		return err
	}
	return s.store.DeleteShare(ctx, itemID, userID)
}

// Share gives the user registered as recipientEmail its own copy of the
// item's secret, encrypted under the recipient's DEK.
func (s *Service) Share(ctx context.Context, ownerID, itemID, recipientEmail string) (Share, error) {
	const op = "vault.Share"
	it, err := s.ownedItem(ctx, op, ownerID, itemID)
	if err != nil {
		return Share{}, err
	}

	recipient, err := s.users.GetByEmail(ctx, recipientEmail)
	if err != nil {
		return Share{}, err
	}
	if !recipient.IsActive {
		return Share{}, identity.NotFoundError{Op: op, Resource: "user"}
	}
	if recipient.ID == ownerID {
		return Share{}, invalid(op, "email", "cannot share an item with yourself")
	}

	_, ownerDEK, err := s.userKey(ctx, ownerID)
	if err != nil {
		return Share{}, err
	}
	plain, err := envelope.DecryptSecret(ownerDEK, it.EncryptedSecret)
	if err != nil {
		return Share{}, err
	}
	recipientDEK, err := s.users.UnwrapDEK(recipient)
	if err != nil {
		s.log.Error("vault.share.recipient_dek.fail", "err", err, "user_id", recipient.ID)
		return Share{}, err
	}
	sealed, err := envelope.EncryptSecret(recipientDEK, plain)
	clear(plain)
	if err != nil {
		return Share{}, err
	}

	sh := Share{ItemID: it.ID, UserID: recipient.ID, EncryptedSecret: sealed, CreatedAt: s.now().UTC()}
	if err := s.store.PutShare(ctx, sh); err != nil {
		return Share{}, err
	}
	return sh, nil
}

// Unshare withdraws a recipient's copy of an owned item.
func (s *Service) Unshare(ctx context.Context, ownerID, itemID, recipientID string) error {
	if _, err := s.ownedItem(ctx, "vault.Unshare", ownerID, itemID); err != nil {
		return err
	}
	return s.store.DeleteShare(ctx, itemID, recipientID)
}

func (s *Service) ownedItem(ctx context.Context, op, ownerID, itemID string) (Item, error) {
	it, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return Item{}, err
	}
	if it.OwnerID != ownerID {
		return Item{}, identity.NotFoundError{Op: op, Resource: "item"}
	}
	return it, nil
}

// userKey loads a user and unwraps its DEK. An unwrap failure is logged
// loudly: none of that user's secrets can be read.
func (s *Service) userKey(ctx context.Context, userID string) (identity.User, envelope.DEK, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return identity.User{}, envelope.DEK{}, err
	}
	dek, err := s.users.UnwrapDEK(u)
	if err != nil {
		if errors.Is(err, envelope.ErrEnvelope) {
			s.log.Error("vault.dek.unwrap.fail", "err", err, "user_id", userID)
		}
		return identity.User{}, envelope.DEK{}, err
	}
	return u, dek, nil
}
