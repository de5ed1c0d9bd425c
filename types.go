package authcore

import (
	"context"
	"io"
	"log/slog"
	"time"

	internalaudit "github.com/medibridge/authcore/internal/audit"
	"github.com/medibridge/authcore/internal/lockout"
	internalmetrics "github.com/medibridge/authcore/internal/metrics"
	"github.com/medibridge/authcore/session"
)

// Role is an opaque claim carried in access tokens. The engine never
// branches on it.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
	RoleNurse   Role = "nurse"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin, RoleNurse:
		return true
	}
	return false
}

// User is the identity record owned by a UserStore.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
	// CredentialHash is the argon2id PHC string. It is never logged or
	// serialized.
	CredentialHash      string     `json:"-"`
	Active              bool       `json:"active"`
	FailedAttempts      uint32     `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	ResetTokenHash      []byte     `json:"-"`
	ResetTokenExpiresAt *time.Time `json:"-"`
	LastLoginAt         *time.Time `json:"lastLoginAt,omitempty"`
	// SessionsValidAfter is set when a password reset is redeemed. Sessions
	// opened before it are rejected even if their revocation never landed.
	SessionsValidAfter *time.Time `json:"-"`
}

// LockoutState is the persisted lockout pair of a user. LockedUntil is nil
// when unlocked.
type LockoutState = lockout.State

// LockoutUpdate is a compare-and-swap of a user's lockout state. The store
// applies Next only if the current state equals Expected. A non-nil
// LastLoginAt is written in the same statement.
type LockoutUpdate struct {
	UserID      string
	Expected    LockoutState
	Next        LockoutState
	LastLoginAt *time.Time
}

// ResetConsume asks the store to atomically redeem a reset token.
type ResetConsume struct {
	TokenHash         []byte
	Now               time.Time
	NewCredentialHash string
}

// UserStore is the identity persistence contract. Implementations must make
// ApplyLockout and ConsumeResetToken atomic.
type UserStore interface {
	// FindByEmail looks up a normalized (trimmed, lower-case) email.
	// Missing users return ErrUserNotFound.
	FindByEmail(ctx context.Context, email string) (*User, error)
	// FindByID returns ErrUserNotFound for unknown ids.
	FindByID(ctx context.Context, userID string) (*User, error)
	// ApplyLockout reports false when Expected no longer matches.
	ApplyLockout(ctx context.Context, update LockoutUpdate) (bool, error)
	// SetResetToken overwrites any pending reset token of the user.
	SetResetToken(ctx context.Context, userID string, tokenHash []byte, expiresAt time.Time) error
	// ConsumeResetToken matches an unexpired token hash, sets the new
	// credential, clears the reset and lockout fields, sets
	// SessionsValidAfter to req.Now and returns the user id, all in one
	// step. No match returns ErrResetTokenNotFound.
	ConsumeResetToken(ctx context.Context, req ResetConsume) (string, error)
	// UpdateCredentialHash replaces the stored hash of a user.
	UpdateCredentialHash(ctx context.Context, userID, hash string) error
}

// SessionStore is the session persistence contract, implemented by
// [session.Store].
type SessionStore interface {
	Create(ctx context.Context, sess *session.Session) error
	GetByID(ctx context.Context, sessionID string) (*session.Session, error)
	GetByToken(ctx context.Context, token string) (*session.Session, error)
	Touch(ctx context.Context, sessionID string, now time.Time) error
	Extend(ctx context.Context, req session.ExtendRequest) error
	DeactivateByID(ctx context.Context, sessionID string, now time.Time) (bool, error)
	DeactivateByToken(ctx context.Context, token string, now time.Time) (bool, error)
	DeactivateAllForUser(ctx context.Context, userID string, now time.Time) (int, error)
	ListForUser(ctx context.Context, userID string) ([]*session.Session, error)
	Sweep(ctx context.Context, now, revokedBefore time.Time, batch int) (session.SweepResult, error)
}

// ClientInfo is optional diagnostic metadata recorded on a new session.
type ClientInfo struct {
	UserAgent string
	IPAddress string
}

// LoginRequest carries login input.
type LoginRequest struct {
	Email    string
	Password string
	Client   ClientInfo
}

// TokenPair is returned on login and refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// ExpiresIn is the access-token lifetime in seconds.
	ExpiresIn int64  `json:"expiresIn"`
	SessionID string `json:"sessionId"`
	// SessionToken is the opaque logout handle. It is empty on refresh.
	SessionToken string `json:"sessionToken,omitempty"`
}

// LoginResult is a successful login.
type LoginResult struct {
	TokenPair
	User *User `json:"user"`
}

// AccessClaims is the verified content of an access token.
type AccessClaims struct {
	UserID    string
	Email     string
	Role      Role
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SessionInfo is the diagnostic view of a usable session.
type SessionInfo struct {
	SessionID      string    `json:"sessionId"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	UserAgent      string    `json:"userAgent,omitempty"`
	IPAddress      string    `json:"ipAddress,omitempty"`
}

// SweepResult reports one sweep pass.
type SweepResult = session.SweepResult

// AuditEvent is the audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the async dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink discards audit events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink forwards audit events to a buffered channel.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes audit events as JSON lines.
type JSONWriterSink = internalaudit.JSONWriterSink

// SlogSink writes audit events through a structured logger.
type SlogSink = internalaudit.SlogSink

// NewChannelSink creates a channel-backed audit sink.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a JSON-lines audit sink.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewSlogSink creates an audit sink that logs through logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return internalaudit.NewSlogSink(logger)
}

// MetricID identifies one engine counter.
type MetricID = internalmetrics.MetricID

const (
	MetricLoginSuccess         = internalmetrics.MetricLoginSuccess
	MetricLoginFailure         = internalmetrics.MetricLoginFailure
	MetricLoginLocked          = internalmetrics.MetricLoginLocked
	MetricLoginInactive        = internalmetrics.MetricLoginInactive
	MetricAccountLockout       = internalmetrics.MetricAccountLockout
	MetricVerifySuccess        = internalmetrics.MetricVerifySuccess
	MetricVerifyFailure        = internalmetrics.MetricVerifyFailure
	MetricRefreshSuccess       = internalmetrics.MetricRefreshSuccess
	MetricRefreshFailure       = internalmetrics.MetricRefreshFailure
	MetricRefreshReuseDetected = internalmetrics.MetricRefreshReuseDetected
	MetricSessionCreated       = internalmetrics.MetricSessionCreated
	MetricSessionRevoked       = internalmetrics.MetricSessionRevoked
	MetricRevokeAll            = internalmetrics.MetricRevokeAll
	MetricPasswordResetRequest = internalmetrics.MetricPasswordResetRequest
	MetricPasswordResetSuccess = internalmetrics.MetricPasswordResetSuccess
	MetricPasswordResetFailure = internalmetrics.MetricPasswordResetFailure
	MetricSweepRun             = internalmetrics.MetricSweepRun
	MetricSweepDeleted         = internalmetrics.MetricSweepDeleted
	MetricStoreUnavailable     = internalmetrics.MetricStoreUnavailable
	MetricVerifyLatency        = internalmetrics.MetricVerifyLatency
)

// HistBucketBounds are the finite latency bucket bounds in milliseconds.
// Histogram snapshots carry one extra +Inf bucket.
var HistBucketBounds = internalmetrics.HistBucketBounds

// Metrics is the engine's in-process counter set.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics creates a counter set from cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:                 cfg.Enabled,
		EnableLatencyHistograms: cfg.EnableLatencyHistograms,
	})
}
