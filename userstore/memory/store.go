// Package memory is an in-process authcore.UserStore for demos and for
// tests of code built on the engine. Every method copies on the way in and
// out, so callers never share state with the store.
package memory

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/medibridge/authcore"
)

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	byID    map[string]*authcore.User
	byEmail map[string]string
}

var _ authcore.UserStore = (*Store)(nil)

func New() *Store {
	return &Store{
		byID:    make(map[string]*authcore.User),
		byEmail: make(map[string]string),
	}
}

// Put inserts or replaces u. The email is indexed lower-cased.
func (s *Store) Put(u *authcore.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[u.ID]; ok {
		delete(s.byEmail, normalize(old.Email))
	}
	s.byID[u.ID] = clone(u)
	s.byEmail[normalize(u.Email)] = u.ID
}

// SetActive flips the active flag of an existing user.
func (s *Store) SetActive(userID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return authcore.ErrUserNotFound
	}
	u.Active = active
	return nil
}

func (s *Store) FindByEmail(_ context.Context, email string) (*authcore.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[normalize(email)]
	if !ok {
		return nil, authcore.ErrUserNotFound
	}
	return clone(s.byID[id]), nil
}

func (s *Store) FindByID(_ context.Context, userID string) (*authcore.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return nil, authcore.ErrUserNotFound
	}
	return clone(u), nil
}

func (s *Store) ApplyLockout(_ context.Context, update authcore.LockoutUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[update.UserID]
	if !ok {
		return false, nil
	}
	current := authcore.LockoutState{FailedAttempts: u.FailedAttempts, LockedUntil: u.LockedUntil}
	if !current.Equal(update.Expected) {
		return false, nil
	}
	u.FailedAttempts = update.Next.FailedAttempts
	u.LockedUntil = cloneTime(update.Next.LockedUntil)
	if update.LastLoginAt != nil {
		u.LastLoginAt = cloneTime(update.LastLoginAt)
	}
	return true, nil
}

func (s *Store) SetResetToken(_ context.Context, userID string, tokenHash []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return authcore.ErrUserNotFound
	}
	u.ResetTokenHash = bytes.Clone(tokenHash)
	u.ResetTokenExpiresAt = &expiresAt
	return nil
}

func (s *Store) ConsumeResetToken(_ context.Context, req authcore.ResetConsume) (string, error) {
	if len(req.TokenHash) == 0 {
		return "", authcore.ErrResetTokenNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.byID {
		if !bytes.Equal(u.ResetTokenHash, req.TokenHash) {
			continue
		}
		if u.ResetTokenExpiresAt == nil || !u.ResetTokenExpiresAt.After(req.Now) {
			return "", authcore.ErrResetTokenNotFound
		}
		u.CredentialHash = req.NewCredentialHash
		u.ResetTokenHash = nil
		u.ResetTokenExpiresAt = nil
		u.FailedAttempts = 0
		u.LockedUntil = nil
		u.SessionsValidAfter = cloneTime(&req.Now)
		return u.ID, nil
	}
	return "", authcore.ErrResetTokenNotFound
}

func (s *Store) UpdateCredentialHash(_ context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return authcore.ErrUserNotFound
	}
	u.CredentialHash = hash
	return nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func clone(u *authcore.User) *authcore.User {
	c := *u
	c.LockedUntil = cloneTime(u.LockedUntil)
	c.ResetTokenExpiresAt = cloneTime(u.ResetTokenExpiresAt)
	c.LastLoginAt = cloneTime(u.LastLoginAt)
	c.SessionsValidAfter = cloneTime(u.SessionsValidAfter)
	c.ResetTokenHash = bytes.Clone(u.ResetTokenHash)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
