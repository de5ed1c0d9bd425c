package authcore

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/medibridge/authcore/internal"
)

// RevokeSession soft-deletes the session owning sessionToken. Revoking an
// unknown or already-revoked session is not an error.
func (e *Engine) RevokeSession(ctx context.Context, sessionToken string) error {
	if !internal.ValidSessionToken(sessionToken) {
		return nil
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	changed, err := e.sessions.DeactivateByToken(sctx, sessionToken, e.now())
	if err != nil {
		return e.storeErr("deactivate session by token", err)
	}
	if changed {
		e.metricInc(MetricSessionRevoked)
		e.emitAudit(ctx, auditEventLogoutSession, true, "", "", nil, nil)
	}
	return nil
}

// RevokeSessionByID soft-deletes one session by id, for callers holding
// verified claims rather than the session token. It is idempotent.
func (e *Engine) RevokeSessionByID(ctx context.Context, sessionID string) error {
	if !internal.ValidSessionID(sessionID) {
		return nil
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	changed, err := e.sessions.DeactivateByID(sctx, sessionID, e.now())
	if err != nil {
		return e.storeErr("deactivate session", err)
	}
	if changed {
		e.metricInc(MetricSessionRevoked)
		e.emitAudit(ctx, auditEventLogoutSession, true, "", sessionID, nil, nil)
	}
	return nil
}

// RevokeAllSessions soft-deletes every active session of userID and
// returns how many were revoked.
func (e *Engine) RevokeAllSessions(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	n, err := e.sessions.DeactivateAllForUser(sctx, userID, e.now())
	if err != nil {
		return 0, e.storeErr("deactivate user sessions", err)
	}

	e.metricInc(MetricRevokeAll)
	if e.metrics != nil && n > 0 {
		e.metrics.Add(MetricSessionRevoked, uint64(n))
	}
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", nil, func() map[string]string {
		return map[string]string{"revoked": strconv.Itoa(n)}
	})
	return n, nil
}

// ListActiveSessions returns the usable sessions of userID, oldest first.
// Sessions opened before the user's last password reset are left out.
// Session tokens are never included.
func (e *Engine) ListActiveSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	if userID == "" {
		return []SessionInfo{}, nil
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	all, err := e.sessions.ListForUser(sctx, userID)
	if err != nil {
		return nil, e.storeErr("list user sessions", err)
	}

	var cutoff *time.Time
	if len(all) > 0 {
		user, err := e.findUserByID(ctx, userID)
		switch {
		case err == nil:
			cutoff = user.SessionsValidAfter
		case !errors.Is(err, ErrUserNotFound):
			return nil, e.storeErr("find user by id", err)
		}
	}

	now := e.now()
	out := make([]SessionInfo, 0, len(all))
	for _, sess := range all {
		if !sess.Usable(now) || (cutoff != nil && sess.CreatedAt.Before(*cutoff)) {
			continue
		}
		out = append(out, SessionInfo{
			SessionID:      sess.SessionID,
			CreatedAt:      sess.CreatedAt,
			ExpiresAt:      sess.ExpiresAt,
			LastActivityAt: sess.LastActivityAt,
			UserAgent:      sess.UserAgent,
			IPAddress:      sess.IPAddress,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
