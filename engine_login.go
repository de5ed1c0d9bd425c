package authcore

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/medibridge/authcore/internal/lockout"
)

var (
	errLockoutContention = errors.New("lockout update contention")
	errAlreadyLocked     = errors.New("account locked concurrently")
)

// Login checks credentials against the lockout state machine and, on
// success, opens a session and returns a token pair.
//
// Unknown emails and wrong passwords both return ErrInvalidCredentials and
// cost one argon2id verification. A locked account returns ErrAccountLocked
// without touching the verifier. Correct credentials on a deactivated
// account return ErrAccountInactive.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		e.hasher.DummyVerify(req.Password)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, nil)
		return nil, ErrInvalidCredentials
	}

	user, err := e.findUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.hasher.DummyVerify(req.Password)
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, nil)
			return nil, ErrInvalidCredentials
		}
		return nil, e.storeErr("find user by email", err)
	}

	now := e.now()
	if until, locked := lockout.Locked(lockoutStateOf(user), now); locked {
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, auditEventLoginLocked, false, user.ID, "", ErrAccountLocked, func() map[string]string {
			return map[string]string{"locked_until": until.UTC().Format(time.RFC3339)}
		})
		return nil, ErrAccountLocked
	}

	ok, err := e.hasher.Verify(req.Password, user.CredentialHash)
	if err != nil {
		e.logger.Error("stored credential hash unreadable", slog.String("user_id", user.ID))
		ok = false
	}
	if !ok {
		return nil, e.loginFailed(ctx, user, now)
	}

	if !user.Active {
		e.metricInc(MetricLoginInactive)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, "", ErrAccountInactive, nil)
		return nil, ErrAccountInactive
	}

	next, err := e.updateLockout(ctx, user.ID, lockoutStateOf(user), func(current LockoutState) (LockoutUpdate, error) {
		if _, locked := lockout.Locked(current, now); locked {
			return LockoutUpdate{}, errAlreadyLocked
		}
		return LockoutUpdate{Next: lockout.OnSuccess(), LastLoginAt: &now}, nil
	})
	if err != nil {
		if errors.Is(err, errAlreadyLocked) {
			e.metricInc(MetricLoginLocked)
			e.emitAudit(ctx, auditEventLoginLocked, false, user.ID, "", ErrAccountLocked, nil)
			return nil, ErrAccountLocked
		}
		return nil, err
	}
	user.FailedAttempts = next.FailedAttempts
	user.LockedUntil = next.LockedUntil
	user.LastLoginAt = &now

	if e.config.Password.UpgradeOnLogin {
		e.upgradeCredential(ctx, user, req.Password)
	}

	client := req.Client
	if client.UserAgent == "" {
		client.UserAgent = userAgentFromContext(ctx)
	}
	if client.IPAddress == "" {
		client.IPAddress = clientIPFromContext(ctx)
	}

	pair, err := e.IssueTokens(ctx, user, client)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, pair.SessionID, nil, nil)

	return &LoginResult{TokenPair: *pair, User: user}, nil
}

// loginFailed persists one more failed attempt and returns the error the
// caller sees. The attempt that reaches the threshold still reports
// ErrInvalidCredentials; the next one reports ErrAccountLocked.
func (e *Engine) loginFailed(ctx context.Context, user *User, now time.Time) error {
	e.metricInc(MetricLoginFailure)

	before := lockoutStateOf(user)
	next, err := e.updateLockout(ctx, user.ID, before, func(current LockoutState) (LockoutUpdate, error) {
		if _, locked := lockout.Locked(current, now); locked {
			return LockoutUpdate{}, errAlreadyLocked
		}
		return LockoutUpdate{Next: e.lockout.OnFailure(current, now)}, nil
	})
	switch {
	case errors.Is(err, errAlreadyLocked):
	case err != nil:
		return err
	default:
		if _, locked := lockout.Locked(next, now); locked {
			e.metricInc(MetricAccountLockout)
			e.logger.Info("account locked",
				slog.String("user_id", user.ID),
				slog.Time("locked_until", *next.LockedUntil),
			)
			e.emitAudit(ctx, auditEventAccountLocked, true, user.ID, "", nil, func() map[string]string {
				return map[string]string{"failed_attempts": strconv.FormatUint(uint64(next.FailedAttempts), 10)}
			})
		}
	}

	e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, "", ErrInvalidCredentials, nil)
	return ErrInvalidCredentials
}

// lockoutStep computes the update to apply on top of the current state. An
// error aborts without writing.
type lockoutStep func(current LockoutState) (LockoutUpdate, error)

// updateLockout applies step with a compare-and-swap, re-reading the user
// and recomputing on conflict so concurrent failures are never under-counted.
func (e *Engine) updateLockout(ctx context.Context, userID string, current LockoutState, step lockoutStep) (LockoutState, error) {
	for attempt := 0; attempt < e.config.Lockout.MaxRetries; attempt++ {
		update, err := step(current)
		if err != nil {
			return current, err
		}
		update.UserID = userID
		update.Expected = current

		sctx, cancel := e.storeCtx(ctx)
		applied, err := e.users.ApplyLockout(sctx, update)
		cancel()
		if err != nil {
			return current, e.storeErr("apply lockout", err)
		}
		if applied {
			return update.Next, nil
		}

		fresh, err := e.findUserByID(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return current, ErrInvalidCredentials
			}
			return current, e.storeErr("reload user", err)
		}
		current = lockoutStateOf(fresh)
	}
	return current, e.storeErr("apply lockout", errLockoutContention)
}

// upgradeCredential re-hashes the password when the stored hash uses weaker
// parameters than configured. Failures are logged and never fail the login.
func (e *Engine) upgradeCredential(ctx context.Context, user *User, plain string) {
	needs, err := e.hasher.NeedsUpgrade(user.CredentialHash)
	if err != nil || !needs {
		return
	}

	upgraded, err := e.hasher.Hash(plain)
	if err != nil {
		e.logger.Warn("credential upgrade skipped", slog.String("user_id", user.ID), slog.String("error", err.Error()))
		return
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.users.UpdateCredentialHash(sctx, user.ID, upgraded); err != nil {
		e.logger.Warn("credential upgrade failed", slog.String("user_id", user.ID), slog.String("error", err.Error()))
		return
	}
	user.CredentialHash = upgraded
}
