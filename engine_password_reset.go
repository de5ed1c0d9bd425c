package authcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/medibridge/authcore/internal"
	"github.com/medibridge/authcore/password"
)

// RequestPasswordReset issues a single-use reset token for a resolved
// user. Only the token's SHA-256 digest is stored, with an expiry of
// PasswordReset.TokenTTL; any earlier pending token is overwritten. The
// plaintext token is returned once and never logged.
func (e *Engine) RequestPasswordReset(ctx context.Context, user *User) (string, error) {
	if user == nil || user.ID == "" || !user.Active {
		return "", ErrUserInactive
	}

	token, digest, err := internal.NewResetToken()
	if err != nil {
		return "", fmt.Errorf("authcore: reset token: %w", err)
	}
	expiresAt := e.now().Add(e.config.PasswordReset.TokenTTL)

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.users.SetResetToken(sctx, user.ID, digest[:], expiresAt); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", ErrUserInactive
		}
		return "", e.storeErr("set reset token", err)
	}

	e.metricInc(MetricPasswordResetRequest)
	e.emitAudit(ctx, auditEventPasswordResetRequest, true, user.ID, "", nil, nil)
	return token, nil
}

// RequestPasswordResetForEmail resolves email and issues a reset token.
// Unknown and deactivated accounts yield ("", nil) so the caller can
// report the same outcome for every address.
func (e *Engine) RequestPasswordResetForEmail(ctx context.Context, email string) (string, error) {
	email = normalizeEmail(email)
	if email == "" {
		return "", nil
	}

	user, err := e.findUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.emitAudit(ctx, auditEventPasswordResetRequest, false, "", "", ErrUserNotFound, nil)
			return "", nil
		}
		return "", e.storeErr("find user by email", err)
	}
	if !user.Active {
		e.emitAudit(ctx, auditEventPasswordResetRequest, false, user.ID, "", ErrUserInactive, nil)
		return "", nil
	}
	return e.RequestPasswordReset(ctx, user)
}

// ConsumePasswordReset redeems a reset token and sets a new password.
//
// Wrong, expired and already-used tokens all fail with
// ErrInvalidResetToken. On success the credential is replaced and the
// reset and lockout fields are cleared in the same store update that
// records the user's session cutoff. Every earlier session is then revoked;
// if the session store keeps failing, the cutoff alone rejects them.
func (e *Engine) ConsumePasswordReset(ctx context.Context, token, newPassword string) error {
	if !internal.ValidResetToken(token) {
		e.metricInc(MetricPasswordResetFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", "", ErrInvalidResetToken, nil)
		return ErrInvalidResetToken
	}

	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		e.metricInc(MetricPasswordResetFailure)
		if errors.Is(err, password.ErrTooShort) {
			e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", "", ErrPasswordPolicy, nil)
			return fmt.Errorf("%w: minimum length is %d bytes", ErrPasswordPolicy, password.MinPasswordBytes)
		}
		return fmt.Errorf("authcore: hash password: %w", err)
	}

	digest := internal.HashResetToken(token)
	sctx, cancel := e.storeCtx(ctx)
	userID, err := e.users.ConsumeResetToken(sctx, ResetConsume{
		TokenHash:         digest[:],
		Now:               e.now(),
		NewCredentialHash: newHash,
	})
	cancel()
	if err != nil {
		e.metricInc(MetricPasswordResetFailure)
		if errors.Is(err, ErrResetTokenNotFound) {
			e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", "", ErrInvalidResetToken, nil)
			return ErrInvalidResetToken
		}
		return e.storeErr("consume reset token", err)
	}

	revoked, err := e.revokeAfterReset(ctx, userID)
	e.metricInc(MetricPasswordResetSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, userID, "", nil, func() map[string]string {
		if err != nil {
			return map[string]string{"revoked_sessions": "deferred"}
		}
		return map[string]string{"revoked_sessions": strconv.Itoa(revoked)}
	})
	return nil
}

// resetRevokeAttempts bounds the session sweep that follows a redeemed
// reset. Sessions it misses are still rejected through SessionsValidAfter.
const (
	resetRevokeAttempts = 3
	resetRevokeBackoff  = 50 * time.Millisecond
)

// revokeAfterReset runs RevokeAllSessions detached from caller
// cancellation, since the credential change is already committed.
func (e *Engine) revokeAfterReset(ctx context.Context, userID string) (int, error) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= resetRevokeAttempts; attempt++ {
		var n int
		if n, err = e.RevokeAllSessions(ctx, userID); err == nil {
			return n, nil
		}
		if attempt < resetRevokeAttempts {
			time.Sleep(time.Duration(attempt) * resetRevokeBackoff)
		}
	}
	e.logger.Warn("password reset applied; session revocation deferred to reset cutoff",
		slog.String("user_id", userID),
		slog.Int("attempts", resetRevokeAttempts),
	)
	return 0, err
}
