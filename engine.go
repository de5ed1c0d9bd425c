package authcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	internalaudit "github.com/medibridge/authcore/internal/audit"
	"github.com/medibridge/authcore/internal/lockout"
	"github.com/medibridge/authcore/jwt"
	"github.com/medibridge/authcore/password"
	"github.com/redis/go-redis/v9"
)

// Engine orchestrates login, token issuance and verification, session
// revocation, password reset and the session sweep. It holds no mutable
// state of its own beyond counters; atomicity comes from the stores.
type Engine struct {
	config   Config
	users    UserStore
	sessions SessionStore
	redis    redis.UniversalClient
	hasher   *password.Hasher
	codec    *jwt.Codec
	lockout  lockout.Policy
	now      func() time.Time
	logger   *slog.Logger
	audit    *internalaudit.Dispatcher
	metrics  *Metrics
}

// Close flushes pending audit events.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports audit events lost to a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of the in-process counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// storeCtx bounds one store call by Store.Timeout.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, e.config.Store.Timeout)
}

// storeErr reports a backend failure as StoreUnavailable. The cause is
// logged, not returned.
func (e *Engine) storeErr(op string, err error) error {
	e.metricInc(MetricStoreUnavailable)
	e.logger.Error("store call failed", slog.String("op", op), slog.String("error", err.Error()))
	return fmt.Errorf("%w: %s", ErrStoreUnavailable, op)
}

// tokenErr collapses codec failures into the two public token kinds.
func tokenErr(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrTokenExpired
	}
	return ErrInvalidToken
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func lockoutStateOf(u *User) LockoutState {
	return LockoutState{FailedAttempts: u.FailedAttempts, LockedUntil: u.LockedUntil}
}

func (e *Engine) findUserByEmail(ctx context.Context, email string) (*User, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.users.FindByEmail(sctx, email)
}

func (e *Engine) findUserByID(ctx context.Context, userID string) (*User, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.users.FindByID(sctx, userID)
}
