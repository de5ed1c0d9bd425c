package authcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/medibridge/authcore/internal"
	"github.com/medibridge/authcore/session"
)

// IssueTokens opens a new session for an authenticated user and mints the
// access/refresh pair bound to it. Login calls it after the credential
// check; registration flows may call it directly.
func (e *Engine) IssueTokens(ctx context.Context, user *User, client ClientInfo) (*TokenPair, error) {
	if user == nil || user.ID == "" {
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrAccountInactive
	}

	sessionToken, err := internal.NewSessionToken()
	if err != nil {
		return nil, fmt.Errorf("authcore: session token: %w", err)
	}
	refreshID, err := internal.NewTokenID()
	if err != nil {
		return nil, fmt.Errorf("authcore: refresh id: %w", err)
	}

	now := e.now()
	sess := &session.Session{
		SchemaVersion:  session.CurrentSchemaVersion,
		SessionID:      internal.NewSessionID(),
		SessionToken:   sessionToken,
		UserID:         user.ID,
		ExpiresAt:      now.Add(e.config.JWT.AccessTTL),
		Active:         true,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
		UserAgent:      client.UserAgent,
		IPAddress:      client.IPAddress,
		RefreshID:      refreshID,
	}

	access, refresh, err := e.signPair(user, sess.SessionID, refreshID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.sessions.Create(sctx, sess); err != nil {
		return nil, e.storeErr("create session", err)
	}
	e.metricInc(MetricSessionCreated)

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(e.codec.AccessTTL() / time.Second),
		SessionID:    sess.SessionID,
		SessionToken: sessionToken,
	}, nil
}

func (e *Engine) signPair(user *User, sessionID, refreshID string) (string, string, error) {
	access, _, err := e.codec.SignAccess(user.ID, user.Email, string(user.Role), sessionID)
	if err != nil {
		return "", "", fmt.Errorf("%w: sign access token: %v", ErrConfiguration, err)
	}
	refresh, _, err := e.codec.SignRefresh(user.ID, sessionID, refreshID)
	if err != nil {
		return "", "", fmt.Errorf("%w: sign refresh token: %v", ErrConfiguration, err)
	}
	return access, refresh, nil
}

// VerifyAccessToken checks the token and the session behind it.
//
// Bad signatures and expired tokens fail with ErrInvalidToken or
// ErrTokenExpired before any store access. A token whose session is
// missing, revoked, expired or older than the owner's last password reset
// fails with ErrSessionInvalid even when the token itself is still within
// its lifetime.
func (e *Engine) VerifyAccessToken(ctx context.Context, token string) (*AccessClaims, error) {
	start := time.Now()
	claims, err := e.verifyAccess(ctx, token)
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricVerifyLatency, time.Since(start))
	}
	if err != nil {
		e.metricInc(MetricVerifyFailure)
		return nil, err
	}
	e.metricInc(MetricVerifySuccess)
	return claims, nil
}

func (e *Engine) verifyAccess(ctx context.Context, token string) (*AccessClaims, error) {
	parsed, err := e.codec.ParseAccess(token)
	if err != nil {
		return nil, tokenErr(err)
	}
	if !internal.ValidSessionID(parsed.SID) {
		return nil, ErrSessionInvalid
	}

	sess, err := e.loadSession(ctx, parsed.SID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if !sess.Usable(now) || sess.UserID != parsed.UID {
		return nil, ErrSessionInvalid
	}

	user, err := e.findUserByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, e.storeErr("find user by id", err)
	}
	if e.predatesReset(ctx, user, sess) {
		return nil, ErrSessionInvalid
	}

	if e.config.Session.TouchOnVerify {
		e.touch(ctx, sess.SessionID, now)
	}

	out := &AccessClaims{
		UserID:    parsed.UID,
		Email:     parsed.Email,
		Role:      Role(parsed.Role),
		SessionID: parsed.SID,
	}
	if parsed.IssuedAt != nil {
		out.IssuedAt = parsed.IssuedAt.Time
	}
	if parsed.ExpiresAt != nil {
		out.ExpiresAt = parsed.ExpiresAt.Time
	}
	return out, nil
}

// predatesReset reports whether sess was opened before the owner's last
// redeemed password reset. Such a session is revoked on sight; a failed
// revoke is only logged since the cutoff keeps rejecting it.
func (e *Engine) predatesReset(ctx context.Context, user *User, sess *session.Session) bool {
	if user.SessionsValidAfter == nil || !sess.CreatedAt.Before(*user.SessionsValidAfter) {
		return false
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if changed, err := e.sessions.DeactivateByID(sctx, sess.SessionID, e.now()); err != nil {
		e.logger.Warn("revoke of pre-reset session failed",
			slog.String("session_id", sess.SessionID),
			slog.String("error", err.Error()),
		)
	} else if changed {
		e.metricInc(MetricSessionRevoked)
	}
	return true
}

// touch records activity. It never fails the caller.
func (e *Engine) touch(ctx context.Context, sessionID string, now time.Time) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.sessions.Touch(sctx, sessionID, now); err != nil {
		e.logger.Warn("session touch failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// loadSession maps a missing or undecodable record to ErrSessionInvalid
// and every other failure to ErrStoreUnavailable.
func (e *Engine) loadSession(ctx context.Context, sessionID string) (*session.Session, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	sess, err := e.sessions.GetByID(sctx, sessionID)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, session.ErrNotFound):
		return nil, ErrSessionInvalid
	case errors.Is(err, session.ErrCorrupt):
		e.logger.Error("session record unreadable", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return nil, ErrSessionInvalid
	default:
		return nil, e.storeErr("get session", err)
	}
}

// RefreshAccessToken exchanges a refresh token for a new pair bound to the
// same session, extending that session by the access-token lifetime.
//
// The session must be usable (ErrSessionInvalid otherwise) and its owner
// must still exist and be active (ErrUserInactive otherwise). With
// Session.EnforceRefreshRotation, presenting a superseded refresh token
// revokes the session.
func (e *Engine) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	pair, userID, err := e.refresh(ctx, refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshFailure, false, userID, "", err, nil)
		return nil, err
	}
	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, userID, pair.SessionID, nil, nil)
	return pair, nil
}

func (e *Engine) refresh(ctx context.Context, refreshToken string) (*TokenPair, string, error) {
	claims, err := e.codec.ParseRefresh(refreshToken)
	if err != nil {
		return nil, "", tokenErr(err)
	}
	if !internal.ValidSessionID(claims.SID) {
		return nil, claims.UID, ErrSessionInvalid
	}

	sess, err := e.loadSession(ctx, claims.SID)
	if err != nil {
		return nil, claims.UID, err
	}
	now := e.now()
	if !sess.Usable(now) || sess.UserID != claims.UID {
		return nil, claims.UID, ErrSessionInvalid
	}

	user, err := e.findUserByID(ctx, claims.UID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, claims.UID, ErrUserInactive
		}
		return nil, claims.UID, e.storeErr("find user by id", err)
	}
	if !user.Active {
		return nil, claims.UID, ErrUserInactive
	}
	if e.predatesReset(ctx, user, sess) {
		return nil, user.ID, ErrSessionInvalid
	}

	nextRefreshID, err := internal.NewTokenID()
	if err != nil {
		return nil, claims.UID, fmt.Errorf("authcore: refresh id: %w", err)
	}
	access, refresh, err := e.signPair(user, sess.SessionID, nextRefreshID)
	if err != nil {
		return nil, claims.UID, err
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	err = e.sessions.Extend(sctx, session.ExtendRequest{
		SessionID:        sess.SessionID,
		UserID:           user.ID,
		Now:              now,
		ExpiresAt:        now.Add(e.config.JWT.AccessTTL),
		Rotate:           e.config.Session.EnforceRefreshRotation,
		PresentedRefresh: claims.ID,
		NextRefresh:      nextRefreshID,
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrNotUsable):
		return nil, user.ID, ErrSessionInvalid
	case errors.Is(err, session.ErrRefreshReuse):
		e.metricInc(MetricRefreshReuseDetected)
		e.metricInc(MetricSessionRevoked)
		e.logger.Warn("refresh token reuse detected; session revoked",
			slog.String("user_id", user.ID),
			slog.String("session_id", sess.SessionID),
		)
		e.emitAudit(ctx, auditEventRefreshReuse, false, user.ID, sess.SessionID, ErrSessionInvalid, nil)
		return nil, user.ID, ErrSessionInvalid
	default:
		return nil, user.ID, e.storeErr("extend session", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(e.codec.AccessTTL() / time.Second),
		SessionID:    sess.SessionID,
	}, user.ID, nil
}
