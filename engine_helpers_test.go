package authcore

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// memUserStore is an in-memory UserStore. Every method copies records in
// and out so the engine never aliases stored state.
type memUserStore struct {
	mu      sync.Mutex
	byID    map[string]*User
	byEmail map[string]string

	// conflicts makes the next N ApplyLockout calls lose the race: a
	// concurrent failed attempt is recorded first and the swap reports false.
	conflicts int
	// failWith, when set, is returned by every method.
	failWith error
}

func newMemUserStore() *memUserStore {
	return &memUserStore{
		byID:    map[string]*User{},
		byEmail: map[string]string{},
	}
}

func copyUser(u *User) *User {
	out := *u
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		out.LockedUntil = &t
	}
	if u.ResetTokenExpiresAt != nil {
		t := *u.ResetTokenExpiresAt
		out.ResetTokenExpiresAt = &t
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		out.LastLoginAt = &t
	}
	if u.SessionsValidAfter != nil {
		t := *u.SessionsValidAfter
		out.SessionsValidAfter = &t
	}
	out.ResetTokenHash = append([]byte(nil), u.ResetTokenHash...)
	return &out
}

func (s *memUserStore) put(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[u.ID] = copyUser(u)
	s.byEmail[strings.ToLower(u.Email)] = u.ID
}

func (s *memUserStore) get(id string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return nil
	}
	return copyUser(u)
}

func (s *memUserStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[id]; ok {
		delete(s.byEmail, strings.ToLower(u.Email))
		delete(s.byID, id)
	}
}

func (s *memUserStore) setActive(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id].Active = active
}

func (s *memUserStore) FindByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(s.byID[id]), nil
}

func (s *memUserStore) FindByID(_ context.Context, userID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	u, ok := s.byID[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(u), nil
}

func (s *memUserStore) ApplyLockout(_ context.Context, update LockoutUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	u, ok := s.byID[update.UserID]
	if !ok {
		return false, nil
	}
	if s.conflicts > 0 {
		s.conflicts--
		u.FailedAttempts++
		return false, nil
	}
	if !lockoutStateOf(u).Equal(update.Expected) {
		return false, nil
	}
	u.FailedAttempts = update.Next.FailedAttempts
	u.LockedUntil = nil
	if update.Next.LockedUntil != nil {
		t := *update.Next.LockedUntil
		u.LockedUntil = &t
	}
	if update.LastLoginAt != nil {
		t := *update.LastLoginAt
		u.LastLoginAt = &t
	}
	return true, nil
}

func (s *memUserStore) SetResetToken(_ context.Context, userID string, tokenHash []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	u, ok := s.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.ResetTokenHash = append([]byte(nil), tokenHash...)
	u.ResetTokenExpiresAt = &expiresAt
	return nil
}

func (s *memUserStore) ConsumeResetToken(_ context.Context, req ResetConsume) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return "", s.failWith
	}
	for _, u := range s.byID {
		if len(u.ResetTokenHash) == 0 || !bytes.Equal(u.ResetTokenHash, req.TokenHash) {
			continue
		}
		if u.ResetTokenExpiresAt == nil || !u.ResetTokenExpiresAt.After(req.Now) {
			continue
		}
		u.CredentialHash = req.NewCredentialHash
		u.ResetTokenHash = nil
		u.ResetTokenExpiresAt = nil
		u.FailedAttempts = 0
		u.LockedUntil = nil
		cutoff := req.Now
		u.SessionsValidAfter = &cutoff
		return u.ID, nil
	}
	return "", ErrResetTokenNotFound
}

func (s *memUserStore) UpdateCredentialHash(_ context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	u, ok := s.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.CredentialHash = hash
	return nil
}

type testEnv struct {
	engine *Engine
	users  *memUserStore
	clock  *fakeClock
	mr     *miniredis.Miniredis
	rdb    *redis.Client
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.Access.PrivateKey = []byte(strings.Repeat("a", 32))
	cfg.JWT.Refresh.PrivateKey = []byte(strings.Repeat("r", 32))
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.UpgradeOnLogin = false
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	clock := newFakeClock(testEpoch)
	users := newMemUserStore()
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(users).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, users: users, clock: clock, mr: mr, rdb: rdb}
}

func (env *testEnv) addUser(t *testing.T, id, email, plain string, role Role) *User {
	t.Helper()

	hash, err := env.engine.hasher.Hash(plain)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	u := &User{ID: id, Email: email, Role: role, CredentialHash: hash, Active: true}
	env.users.put(u)
	return u
}

func (env *testEnv) login(t *testing.T, email, plain string) *LoginResult {
	t.Helper()

	res, err := env.engine.Login(context.Background(), LoginRequest{Email: email, Password: plain})
	if err != nil {
		t.Fatalf("Login(%s) failed: %v", email, err)
	}
	return res
}

func wantErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
