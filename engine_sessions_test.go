package authcore

import (
	"context"
	"testing"
	"time"
)

func TestRevokeAllSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "u1", testEmail, testPassword, RolePatient)
	env.addUser(t, "u2", "other@b.com", testPassword, RolePatient)
	ctx := context.Background()

	var pairs []*LoginResult
	for i := 0; i < 3; i++ {
		pairs = append(pairs, env.login(t, testEmail, testPassword))
	}
	other := env.login(t, "other@b.com", testPassword)

	n, err := env.engine.RevokeAllSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("RevokeAllSessions failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 revoked sessions, got %d", n)
	}
	for _, p := range pairs {
		_, err := env.engine.VerifyAccessToken(ctx, p.AccessToken)
		wantErr(t, err, ErrSessionInvalid)
	}
	if _, err := env.engine.VerifyAccessToken(ctx, other.AccessToken); err != nil {
		t.Fatalf("other user's session must survive, got %v", err)
	}

	n, err = env.engine.RevokeAllSessions(ctx, "u1")
	if err != nil || n != 0 {
		t.Fatalf("expected idempotent revoke-all, n=%d err=%v", n, err)
	}
}

func TestRevokeSessionByID(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "u1", testEmail, testPassword, RolePatient)
	ctx := context.Background()
	res := env.login(t, testEmail, testPassword)

	claims, err := env.engine.VerifyAccessToken(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	if err := env.engine.RevokeSessionByID(ctx, claims.SessionID); err != nil {
		t.Fatalf("RevokeSessionByID failed: %v", err)
	}
	_, err = env.engine.VerifyAccessToken(ctx, res.AccessToken)
	wantErr(t, err, ErrSessionInvalid)

	if err := env.engine.RevokeSessionByID(ctx, "not-a-session"); err != nil {
		t.Fatalf("expected malformed id to be a no-op, got %v", err)
	}
}

func TestListActiveSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "u1", testEmail, testPassword, RolePatient)
	ctx := context.Background()

	first := env.login(t, testEmail, testPassword)
	env.clock.Advance(time.Minute)
	second := env.login(t, testEmail, testPassword)
	env.clock.Advance(time.Minute)
	third := env.login(t, testEmail, testPassword)

	if err := env.engine.RevokeSession(ctx, second.SessionToken); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}

	list, err := env.engine.ListActiveSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListActiveSessions failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 usable sessions, got %d", len(list))
	}
	if list[0].SessionID != first.SessionID || list[1].SessionID != third.SessionID {
		t.Fatalf("expected oldest-first order, got %+v", list)
	}

	empty, err := env.engine.ListActiveSessions(ctx, "nobody")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected no sessions for unknown user, got %v err=%v", empty, err)
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.JWT.AccessTTL = 30 * 24 * time.Hour
		c.JWT.RefreshTTL = 30 * 24 * time.Hour
	})
	env.addUser(t, "u1", testEmail, testPassword, RolePatient)
	ctx := context.Background()

	live := env.login(t, testEmail, testPassword)
	oldRevoked := env.login(t, testEmail, testPassword)
	if err := env.engine.RevokeSession(ctx, oldRevoked.SessionToken); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}

	env.clock.Advance(6 * 24 * time.Hour)
	later := env.login(t, testEmail, testPassword)
	recentRevoked := env.login(t, testEmail, testPassword)
	if err := env.engine.RevokeSession(ctx, recentRevoked.SessionToken); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}

	// Day 7: only the session revoked on day 0 is past retention.
	env.clock.Set(testEpoch.Add(7*24*time.Hour + time.Minute))
	res, err := env.engine.SweepExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredSessions failed: %v", err)
	}
	if res.Expired != 0 || res.Revoked != 1 {
		t.Fatalf("expected 0 expired / 1 revoked, got %+v", res)
	}
	assertSessionExists(t, env, oldRevoked.SessionID, false)
	assertSessionExists(t, env, live.SessionID, true)
	assertSessionExists(t, env, recentRevoked.SessionID, true)

	// Day 30: the first live session has expired and the day-6 revocation
	// is past retention; the day-6 login is still usable.
	env.clock.Set(testEpoch.Add(30*24*time.Hour + time.Minute))
	res, err = env.engine.SweepExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredSessions failed: %v", err)
	}
	if res.Expired != 1 || res.Revoked != 1 {
		t.Fatalf("expected 1 expired / 1 revoked, got %+v", res)
	}
	assertSessionExists(t, env, live.SessionID, false)
	assertSessionExists(t, env, recentRevoked.SessionID, false)
	if _, err := env.engine.VerifyAccessToken(ctx, later.AccessToken); err != nil {
		t.Fatalf("usable session must survive the sweep, got %v", err)
	}

	if got := env.engine.MetricsSnapshot().Counters[MetricSweepDeleted]; got != 3 {
		t.Fatalf("expected 3 deletions counted, got %d", got)
	}
}

func assertSessionExists(t *testing.T, env *testEnv, sessionID string, want bool) {
	t.Helper()
	_, err := env.engine.sessions.GetByID(context.Background(), sessionID)
	if got := err == nil; got != want {
		t.Fatalf("session %s exists=%v, want %v (err=%v)", sessionID, got, want, err)
	}
}

func TestSweeperGuards(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Sweep.LeaseKey = "as:sweep:lease"
	})
	ctx := context.Background()
	sweeper := env.engine.NewSweeper()

	if err := env.mr.Set("as:sweep:lease", "another-process"); err != nil {
		t.Fatalf("seed lease failed: %v", err)
	}
	if _, ran, err := sweeper.RunOnce(ctx); ran || err != nil {
		t.Fatalf("expected skip while lease is held elsewhere, ran=%v err=%v", ran, err)
	}

	env.mr.Del("as:sweep:lease")
	if _, ran, err := sweeper.RunOnce(ctx); !ran || err != nil {
		t.Fatalf("expected sweep to run, ran=%v err=%v", ran, err)
	}
	if env.mr.Exists("as:sweep:lease") {
		t.Fatal("expected lease to be released after the pass")
	}

	sweeper.running.Store(true)
	if _, ran, _ := sweeper.RunOnce(ctx); ran {
		t.Fatal("expected overlapping pass to be skipped")
	}
	sweeper.running.Store(false)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Sweep.Interval = time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		env.engine.NewSweeper().Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for env.engine.MetricsSnapshot().Counters[MetricSweepRun] < 2 {
		select {
		case <-deadline:
			t.Fatal("sweeper did not tick")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
