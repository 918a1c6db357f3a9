package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*User
	byEmail map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, u User) error {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[u.Email]; exists {
		return ConflictError{Op: op, Field: "email"}
	}
	if _, exists := s.byID[u.ID]; exists {
		return ConflictError{Op: op, Field: "id"}
	}
	cp := u
	s.byID[u.ID] = &cp
	s.byEmail[u.Email] = u.ID
	return nil
}

func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUserByID", Resource: "user"}
	}
	return *u, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[email]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUserByEmail", Resource: "user"}
	}
	return *s.byID[id], nil
}

func (s *MemoryStore) MarkVerified(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.update(ctx, "identity.MarkVerified", id, func(u *User) bool {
		if u.IsVerified {
			return false
		}
		u.IsVerified = true
		u.UpdatedAt = now
		return true
	})
}

func (s *MemoryStore) UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error {
	_, err := s.update(ctx, "identity.UpdatePasswordHash", id, func(u *User) bool {
		u.PasswordHash = hash
		u.UpdatedAt = now
		return true
	})
	return err
}

func (s *MemoryStore) SetResetToken(ctx context.Context, id, resetID string, now, notAfter time.Time) (bool, error) {
	return s.update(ctx, "identity.SetResetToken", id, func(u *User) bool {
		if u.ResetRequestedAt != nil && u.ResetRequestedAt.After(notAfter) {
			return false
		}
		rid, at := resetID, now
		u.ResetTokenID = &rid
		u.ResetRequestedAt = &at
		u.UpdatedAt = now
		return true
	})
}

func (s *MemoryStore) ConsumeResetToken(ctx context.Context, id, resetID, hash string, now time.Time) (bool, error) {
	return s.update(ctx, "identity.ConsumeResetToken", id, func(u *User) bool {
		if u.ResetTokenID == nil || *u.ResetTokenID != resetID {
			return false
		}
		u.PasswordHash = hash
		u.ResetTokenID = nil
		u.ResetRequestedAt = nil
		u.IsVerified = true
		u.UpdatedAt = now
		return true
	})
}

func (s *MemoryStore) update(ctx context.Context, op, id string, fn func(*User) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return false, NotFoundError{Op: op, Resource: "user"}
	}
	return fn(u), nil
}

// SetActive toggles the active flag (operator action, no HTTP surface).
func (s *MemoryStore) SetActive(ctx context.Context, id string, active bool) error {
	_, err := s.update(ctx, "identity.SetActive", id, func(u *User) bool {
		u.IsActive = active
		return true
	})
	return err
}
