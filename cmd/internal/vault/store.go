package vault

import "context"

// Store persists items and shares. Owner-scoped operations report rows of
// other users as identity.NotFoundError.
type Store interface {
	CreateItem(ctx context.Context, it Item) error
	GetItem(ctx context.Context, id string) (Item, error)

	// ListOwned returns the items owned by userID, newest first.
	ListOwned(ctx context.Context, userID string) ([]Item, error)

	// ListSharedWith returns items shared with userID. EncryptedSecret is the
	// recipient's copy.
	ListSharedWith(ctx context.Context, userID string) ([]Item, error)

	DeleteItem(ctx context.Context, id, ownerID string) error

	// PutShare returns identity.ConflictError if the item is already shared
	// with the recipient.
	PutShare(ctx context.Context, s Share) error
	DeleteShare(ctx context.Context, itemID, userID string) error
}
