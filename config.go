package authcore

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Config is the complete engine configuration. Start from DefaultConfig and
// override fields; Build validates the result.
type Config struct {
	JWT           JWTConfig
	Session       SessionConfig
	Lockout       LockoutConfig
	PasswordReset PasswordResetConfig
	Password      PasswordConfig
	Sweep         SweepConfig
	Store         StoreConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig holds token lifetimes and the two independent key sets.
type JWTConfig struct {
	// AccessTTL is the access-token lifetime and also the session lifetime
	// granted by login and by each refresh.
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Leeway     time.Duration
	Access     TokenKeyConfig
	Refresh    TokenKeyConfig
}

// TokenKeyConfig is the signing material and registered claims for one
// token kind.
type TokenKeyConfig struct {
	SigningMethod string // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	KeyID         string
	Issuer        string
	Audience      string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session persistence.
type SessionConfig struct {
	RedisPrefix string
	// RevokedRetention is how long inactive sessions are kept before the
	// sweep may delete them.
	RevokedRetention time.Duration
	// EnforceRefreshRotation binds each session to its latest refresh token;
	// presenting an older one revokes the session.
	EnforceRefreshRotation bool
	// TouchOnVerify records lastActivityAt on every successful verification.
	TouchOnVerify bool
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig sets the failed-login threshold and lock window.
type LockoutConfig struct {
	Threshold uint32
	Window    time.Duration
	// MaxRetries bounds compare-and-swap retries on concurrent updates.
	MaxRetries int
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordResetConfig controls reset token lifetime.
type PasswordResetConfig struct {
	TokenTTL time.Duration
}

// PasswordConfig holds argon2id parameters.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	// UpgradeOnLogin re-hashes credentials stored with weaker parameters
	// after a successful login.
	UpgradeOnLogin bool
}

/*
====================================
SWEEP / STORE CONFIG
====================================
*/

// SweepConfig drives the background session sweeper.
type SweepConfig struct {
	Interval  time.Duration
	BatchSize int
	// LeaseKey, when set, makes the sweeper take a Redis lease so only one
	// process sweeps per interval.
	LeaseKey string
	LeaseTTL time.Duration
}

// StoreConfig bounds every store call.
type StoreConfig struct {
	Timeout time.Duration
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns production defaults. Signing keys are left empty
// and must be supplied.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:  24 * time.Hour,
			RefreshTTL: 7 * 24 * time.Hour,
			Access: TokenKeyConfig{
				SigningMethod: "hs256",
				Issuer:        "authcore",
				Audience:      "authcore-api",
			},
			Refresh: TokenKeyConfig{
				SigningMethod: "hs256",
				Issuer:        "authcore",
				Audience:      "authcore-refresh",
			},
		},
		Session: SessionConfig{
			RedisPrefix:      "as",
			RevokedRetention: 7 * 24 * time.Hour,
			TouchOnVerify:    true,
		},
		Lockout: LockoutConfig{
			Threshold:  5,
			Window:     2 * time.Hour,
			MaxRetries: 4,
		},
		PasswordReset: PasswordResetConfig{
			TokenTTL: 10 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:         64 * 1024,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
		},
		Sweep: SweepConfig{
			Interval:  time.Hour,
			BatchSize: 500,
			LeaseTTL:  5 * time.Minute,
		},
		Store: StoreConfig{
			Timeout: 3 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.Access.PrivateKey = cloneBytes(cfg.JWT.Access.PrivateKey)
	out.JWT.Access.PublicKey = cloneBytes(cfg.JWT.Access.PublicKey)
	out.JWT.Refresh.PrivateKey = cloneBytes(cfg.JWT.Refresh.PrivateKey)
	out.JWT.Refresh.PublicKey = cloneBytes(cfg.JWT.Refresh.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

func configErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConfiguration}, args...)...)
}

// Validate reports the first invalid setting. Every returned error wraps
// ErrConfiguration.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return configErr("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return configErr("JWT RefreshTTL must be > 0")
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		return configErr("JWT RefreshTTL must be >= AccessTTL")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return configErr("JWT Leeway must be within [0, 2m]")
	}
	if err := c.JWT.Access.validate("Access"); err != nil {
		return err
	}
	if err := c.JWT.Refresh.validate("Refresh"); err != nil {
		return err
	}
	if bytes.Equal(c.JWT.Access.PrivateKey, c.JWT.Refresh.PrivateKey) {
		return configErr("JWT Access and Refresh keys must differ")
	}
	if c.JWT.Access.Issuer == c.JWT.Refresh.Issuer && c.JWT.Access.Audience == c.JWT.Refresh.Audience {
		return configErr("JWT Access and Refresh issuer/audience must differ")
	}

	// Session
	if strings.TrimSpace(c.Session.RedisPrefix) == "" {
		return configErr("Session RedisPrefix must be set")
	}
	if c.Session.RevokedRetention <= 0 {
		return configErr("Session RevokedRetention must be > 0")
	}

	// Lockout
	if c.Lockout.Threshold == 0 {
		return configErr("Lockout Threshold must be > 0")
	}
	if c.Lockout.Window <= 0 {
		return configErr("Lockout Window must be > 0")
	}
	if c.Lockout.MaxRetries < 1 {
		return configErr("Lockout MaxRetries must be >= 1")
	}

	// Password reset
	if c.PasswordReset.TokenTTL <= 0 {
		return configErr("PasswordReset TokenTTL must be > 0")
	}
	if c.PasswordReset.TokenTTL > time.Hour {
		return configErr("PasswordReset TokenTTL must be <= 1h")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return configErr("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return configErr("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return configErr("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return configErr("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return configErr("Password KeyLength must be >= 16")
	}

	// Sweep
	if c.Sweep.Interval <= 0 {
		return configErr("Sweep Interval must be > 0")
	}
	if c.Sweep.BatchSize <= 0 {
		return configErr("Sweep BatchSize must be > 0")
	}
	if c.Sweep.LeaseKey != "" && c.Sweep.LeaseTTL <= 0 {
		return configErr("Sweep LeaseTTL must be > 0 when LeaseKey is set")
	}

	// Store
	if c.Store.Timeout <= 0 {
		return configErr("Store Timeout must be > 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return configErr("Audit BufferSize must be > 0")
	}

	return nil
}

func (k TokenKeyConfig) validate(name string) error {
	switch k.SigningMethod {
	case "hs256":
		if len(k.PrivateKey) == 0 {
			return configErr("JWT %s signing secret is required", name)
		}
		if len(k.PrivateKey) < 32 {
			return configErr("JWT %s hs256 secret must be at least 32 bytes", name)
		}
	case "ed25519":
		if len(k.PrivateKey) == 0 {
			return configErr("JWT %s ed25519 requires PrivateKey", name)
		}
	default:
		return configErr("JWT %s SigningMethod %q is unsupported", name, k.SigningMethod)
	}
	if strings.TrimSpace(k.Issuer) == "" || strings.TrimSpace(k.Audience) == "" {
		return configErr("JWT %s Issuer and Audience are required", name)
	}
	return nil
}
