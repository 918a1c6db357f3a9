package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development mode and tests.
// A single mutex serializes every mutation, which makes Rotate atomic.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Row
	byHash map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Row),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(row)
	return nil
}

func (s *MemoryStore) insertLocked(row Row) {
	cp := row
	s.byID[row.ID] = &cp
	s.byHash[row.RefreshTokenHash] = row.ID
}

func (s *MemoryStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[sessionID]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return *r, nil
}

func (s *MemoryStore) GetByRefreshHash(ctx context.Context, refreshHash string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[refreshHash]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return *s.byID[id], nil
}

func (s *MemoryStore) Rotate(ctx context.Context, now time.Time, oldID string, next Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.byID[oldID]
	if !ok {
		return ErrSessionNotFound
	}
	if old.State(now) != StateActive {
		return ErrRotationConflict
	}

	s.insertLocked(next)
	newID, reason := next.ID, ReasonRotated
	old.RevokedAt = &now
	old.ReplacedBySessionID = &newID
	old.RevocationReason = &reason
	old.LastUsedAt = &now
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, now time.Time, sessionID, userID, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[sessionID]
	if !ok || r.UserID != userID {
		return false, ErrSessionNotFound
	}
	if r.RevokedAt != nil {
		return false, nil
	}
	revokeLocked(r, now, reason)
	return true, nil
}

func (s *MemoryStore) RevokeAll(ctx context.Context, now time.Time, userID, reason string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, r := range s.byID {
		if r.UserID == userID && r.RevokedAt == nil {
			revokeLocked(r, now, reason)
			out = append(out, r.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) RevokeLineage(ctx context.Context, now time.Time, sessionID, reason string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}

	// Walk up to the root, then collect every descendant.
	root := sessionID
	for {
		r := s.byID[root]
		if r.ParentSessionID == nil {
			break
		}
		if _, ok := s.byID[*r.ParentSessionID]; !ok {
			break
		}
		root = *r.ParentSessionID
	}

	children := make(map[string][]string)
	for _, r := range s.byID {
		if r.ParentSessionID != nil {
			children[*r.ParentSessionID] = append(children[*r.ParentSessionID], r.ID)
		}
	}

	var out []string
	queue := []string{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		r := s.byID[id]
		if r.RevokedAt == nil {
			revokeLocked(r, now, reason)
			out = append(out, id)
		}
		queue = append(queue, children[id]...)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Row
	for _, r := range s.byID {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func revokeLocked(r *Row, now time.Time, reason string) {
	at, why := now, reason
	r.RevokedAt = &at
	r.RevocationReason = &why
}
