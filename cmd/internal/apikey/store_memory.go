package apikey

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development mode and tests.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Key
	byHash map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Key), byHash: make(map[string]string)}
}

func (s *MemoryStore) Create(ctx context.Context, k Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[k.KeyHash]; ok {
		return ErrInvalidInput
	}
	cp := k
	s.byID[k.ID] = &cp
	s.byHash[k.KeyHash] = k.ID
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, keyHash string) (Key, error) {
	if err := ctx.Err(); err != nil {
		return Key{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[keyHash]
	if !ok {
		return Key{}, ErrNotFound
	}
	return *s.byID[id], nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Key
	for _, k := range s.byID {
		if k.UserID == userID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) Touch(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	t := now
	k.LastUsedAt = &t
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, id, userID string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok || k.UserID != userID {
		return false, ErrNotFound
	}
	if k.RevokedAt != nil {
		return false, nil
	}
	t := now
	k.RevokedAt = &t
	return true, nil
}

func (s *MemoryStore) RevokeAll(ctx context.Context, userID string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range s.byID {
		if k.UserID == userID && k.RevokedAt == nil {
			t := now
			k.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok || k.UserID != userID {
		return ErrNotFound
	}
	delete(s.byHash, k.KeyHash)
	delete(s.byID, id)
	return nil
}
