package authcore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medibridge/authcore/internal"
	"github.com/medibridge/authcore/session"
)

const newPassword = "brand-new-passphrase"

func TestPasswordResetIsSingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	u := env.addUser(t, "u1", testEmail, testPassword, RolePatient)
	ctx := context.Background()
	before := env.login(t, testEmail, testPassword)

	token, err := env.engine.RequestPasswordReset(ctx, u)
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}

	stored := env.users.get("u1")
	digest := sha256.Sum256([]byte(token))
	if !bytes.Equal(stored.ResetTokenHash, digest[:]) {
		t.Fatal("expected only the token digest to be stored")
	}
	if want := testEpoch.Add(10 * time.Minute); stored.ResetTokenExpiresAt == nil || !stored.ResetTokenExpiresAt.Equal(want) {
		t.Fatalf("expected reset expiry %v, got %v", want, stored.ResetTokenExpiresAt)
	}

	if err := env.engine.ConsumePasswordReset(ctx, token, newPassword); err != nil {
		t.Fatalf("ConsumePasswordReset failed: %v", err)
	}

	err = env.engine.ConsumePasswordReset(ctx, token, "another-passphrase")
	wantErr(t, err, ErrInvalidResetToken)

	_, err = env.engine.VerifyAccessToken(ctx, before.AccessToken)
	wantErr(t, err, ErrSessionInvalid)

	_, err = env.engine.Login(ctx, LoginRequest{Email: testEmail, Password: testPassword})
	wantErr(t, err, ErrInvalidCredentials)
	env.login(t, testEmail, newPassword)

	stored = env.users.get("u1")
	if stored.ResetTokenHash != nil || stored.ResetTokenExpiresAt != nil {
		t.Fatal("expected reset fields cleared")
	}
}

func TestPasswordResetExpiry(t *testing.T) {
	env := newTestEnv(t, nil)
	u := env.addUser(t, "u1", testEmail, testPassword, RolePatient)
	ctx := context.Background()

	token, err := env.engine.RequestPasswordReset(ctx, u)
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}

	env.clock.Advance(10*time.Minute + time.Second)
	err = env.engine.ConsumePasswordReset(ctx, token, newPassword)
	wantErr(t, err, ErrInvalidResetToken)
}

func TestPasswordResetWrongAndMalformedTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	u := env.addUser(t, "u1", testEmail, testPassword, RolePatient)
	ctx := context.Background()

	if _, err := env.engine.RequestPasswordReset(ctx, u); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}

	other, _, err := internal.NewResetToken()
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}
	for _, tok := range []string{"", "short", other} {
		err := env.engine.ConsumePasswordReset(ctx, tok, newPassword)
		wantErr(t, err, ErrInvalidResetToken)
	}
}

func TestPasswordResetOverwritesPendingToken(t *testing.T) {
	env := newTestEnv(t, nil)
	u := env.addUser(t, "u1", testEmail, testPassword, RolePatient)
	ctx := context.Background()

	first, err := env.engine.RequestPasswordReset(ctx, u)
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	second, err := env.engine.RequestPasswordReset(ctx, u)
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}

	wantErr(t, env.engine.ConsumePasswordReset(ctx, first, newPassword), ErrInvalidResetToken)
	if err := env.engine.ConsumePasswordReset(ctx, second, newPassword); err != nil {
		t.Fatalf("expected latest token to work, got %v", err)
	}
}

func TestPasswordResetClearsLockout(t *testing.T) {
	env := newTestEnv(t, nil)
	u := env.addUser(t, "u1", testEmail, testPassword, RolePatient)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = env.engine.Login(ctx, LoginRequest{Email: testEmail, Password: "wrong-passphrase"})
	}
	_, err := env.engine.Login(ctx, LoginRequest{Email: testEmail, Password: testPassword})
	wantErr(t, err, ErrAccountLocked)

	token, err := env.engine.RequestPasswordReset(ctx, u)
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if err := env.engine.ConsumePasswordReset(ctx, token, newPassword); err != nil {
		t.Fatalf("ConsumePasswordReset failed: %v", err)
	}

	stored := env.users.get("u1")
	if stored.FailedAttempts != 0 || stored.LockedUntil != nil {
		t.Fatalf("expected lockout cleared, got attempts=%d until=%v", stored.FailedAttempts, stored.LockedUntil)
	}
	env.login(t, testEmail, newPassword)
}

func TestPasswordResetPolicyKeepsToken(t *testing.T) {
	env := newTestEnv(t, nil)
	u := env.addUser(t, "u1", testEmail, testPassword, RolePatient)
	ctx := context.Background()

	token, err := env.engine.RequestPasswordReset(ctx, u)
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}

	err = env.engine.ConsumePasswordReset(ctx, token, "short")
	if KindOf(err) != KindPasswordPolicy {
		t.Fatalf("expected KindPasswordPolicy, got %v", err)
	}
	if err := env.engine.ConsumePasswordReset(ctx, token, newPassword); err != nil {
		t.Fatalf("policy rejection must not burn the token, got %v", err)
	}
}

func TestRequestPasswordResetForEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "u1", testEmail, testPassword, RolePatient)
	env.addUser(t, "u2", "gone@b.com", testPassword, RolePatient)
	env.users.setActive("u2", false)
	ctx := context.Background()

	for _, email := range []string{"nobody@b.com", "gone@b.com", ""} {
		token, err := env.engine.RequestPasswordResetForEmail(ctx, email)
		if err != nil || token != "" {
			t.Fatalf("%q: expected silent no-op, got token=%q err=%v", email, token, err)
		}
	}

	token, err := env.engine.RequestPasswordResetForEmail(ctx, " A@B.COM")
	if err != nil || token == "" {
		t.Fatalf("expected a token for a known user, got %q err=%v", token, err)
	}

	_, err = env.engine.RequestPasswordReset(ctx, env.users.get("u2"))
	wantErr(t, err, ErrUserInactive)
}

// revokeAllFails is a session store whose bulk revoke never succeeds.
type revokeAllFails struct {
	SessionStore
	calls atomic.Int32
}

func (s *revokeAllFails) DeactivateAllForUser(context.Context, string, time.Time) (int, error) {
	s.calls.Add(1)
	return 0, errors.New("connection reset")
}

func TestPasswordResetCutoffOutlivesFailedRevoke(t *testing.T) {
	env := newTestEnv(t, nil)
	sessions := &revokeAllFails{SessionStore: session.NewStore(env.rdb, testConfig().Session.RedisPrefix)}
	engine, err := New().
		WithConfig(testConfig()).
		WithUserStore(env.users).
		WithSessionStore(sessions).
		WithClock(env.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	env.engine = engine
	ctx := context.Background()

	u := env.addUser(t, "u1", testEmail, testPassword, RolePatient)
	before := env.login(t, testEmail, testPassword)

	env.clock.Advance(time.Minute)
	token, err := engine.RequestPasswordReset(ctx, u)
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if err := engine.ConsumePasswordReset(ctx, token, newPassword); err != nil {
		t.Fatalf("ConsumePasswordReset failed: %v", err)
	}
	if got := sessions.calls.Load(); got != resetRevokeAttempts {
		t.Fatalf("expected %d revoke attempts, got %d", resetRevokeAttempts, got)
	}
	if stored := env.users.get("u1"); stored.SessionsValidAfter == nil || !stored.SessionsValidAfter.Equal(env.clock.Now()) {
		t.Fatalf("expected session cutoff at reset time, got %v", stored.SessionsValidAfter)
	}

	_, err = engine.RefreshAccessToken(ctx, before.RefreshToken)
	wantErr(t, err, ErrSessionInvalid)
	_, err = engine.VerifyAccessToken(ctx, before.AccessToken)
	wantErr(t, err, ErrSessionInvalid)
	wantErr(t, engine.ConsumePasswordReset(ctx, token, "another-passphrase"), ErrInvalidResetToken)

	env.clock.Advance(time.Second)
	after := env.login(t, testEmail, newPassword)
	list, err := engine.ListActiveSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListActiveSessions failed: %v", err)
	}
	if len(list) != 1 || list[0].SessionID != after.SessionID {
		t.Fatalf("expected only the post-reset session listed, got %+v", list)
	}
	if _, err := engine.VerifyAccessToken(ctx, after.AccessToken); err != nil {
		t.Fatalf("expected post-reset session to verify, got %v", err)
	}
	if _, err := engine.RefreshAccessToken(ctx, after.RefreshToken); err != nil {
		t.Fatalf("expected post-reset session to refresh, got %v", err)
	}
}

func TestConcurrentPasswordResetRedeemsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	u := env.addUser(t, "u1", testEmail, testPassword, RolePatient)
	ctx := context.Background()

	token, err := env.engine.RequestPasswordReset(ctx, u)
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}

	const workers = 8
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := env.engine.ConsumePasswordReset(ctx, token, newPassword)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInvalidResetToken):
				rejected.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if succeeded.Load() != 1 || rejected.Load() != workers-1 {
		t.Fatalf("expected 1 success and %d rejections, got %d and %d", workers-1, succeeded.Load(), rejected.Load())
	}
	env.login(t, testEmail, newPassword)
}
