package vault

import (
	"context"
	"sort"
	"sync"

	"otpvault/cmd/identity"
)

type shareKey struct{ item, user string }

// MemoryStore is an in-process Store for development mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]Item
	shares map[shareKey]Share
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Item), shares: make(map[shareKey]Share)}
}

func (s *MemoryStore) CreateItem(ctx context.Context, it Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[it.ID]; ok {
		return identity.ConflictError{Op: "vault.CreateItem", Field: "id"}
	}
	s.items[it.ID] = it
	return nil
}

func (s *MemoryStore) GetItem(ctx context.Context, id string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, identity.NotFoundError{Op: "vault.GetItem", Resource: "item"}
	}
	return it, nil
}

func (s *MemoryStore) ListOwned(ctx context.Context, userID string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Item
	for _, it := range s.items {
		if it.OwnerID == userID {
			out = append(out, it)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListSharedWith(ctx context.Context, userID string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Item
	for k, sh := range s.shares {
		if k.user != userID {
			continue
		}
		it, ok := s.items[k.item]
		if !ok {
			continue
		}
		it.EncryptedSecret = sh.EncryptedSecret
		out = append(out, it)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) DeleteItem(ctx context.Context, id, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok || it.OwnerID != ownerID {
		return identity.NotFoundError{Op: "vault.DeleteItem", Resource: "item"}
	}
	delete(s.items, id)
	for k := range s.shares {
		if k.item == id {
			delete(s.shares, k)
		}
	}
	return nil
}

func (s *MemoryStore) PutShare(ctx context.Context, sh Share) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[sh.ItemID]; !ok {
		return identity.NotFoundError{Op: "vault.PutShare", Resource: "item"}
	}
	k := shareKey{sh.ItemID, sh.UserID}
	if _, ok := s.shares[k]; ok {
		return identity.ConflictError{Op: "vault.PutShare", Field: "share"}
	}
	s.shares[k] = sh
	return nil
}

func (s *MemoryStore) DeleteShare(ctx context.Context, itemID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := shareKey{itemID, userID}
	if _, ok := s.shares[k]; !ok {
		return identity.NotFoundError{Op: "vault.DeleteShare", Resource: "share"}
	}
	delete(s.shares, k)
	return nil
}

func sortNewestFirst(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
}
