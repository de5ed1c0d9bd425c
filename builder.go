package authcore

import (
	"fmt"
	"log/slog"
	"time"

	internalaudit "github.com/medibridge/authcore/internal/audit"
	"github.com/medibridge/authcore/internal/lockout"
	"github.com/medibridge/authcore/jwt"
	"github.com/medibridge/authcore/password"
	"github.com/medibridge/authcore/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an [Engine]. Configure it during initialization, call
// Build once, then discard it.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	userStore    UserStore
	sessionStore SessionStore
	auditSink    AuditSink
	logger       *slog.Logger
	clock        func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration. Key material is copied.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client backing the default session store and the
// sweeper lease.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserStore sets the identity store. It is required.
func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.userStore = store
	return b
}

// WithSessionStore overrides the Redis session store.
func (b *Builder) WithSessionStore(store SessionStore) *Builder {
	b.sessionStore = store
	return b
}

// WithAuditSink sets the destination of audit events. Audit.Enabled must
// also be true for events to flow.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the operational logger. The default discards output.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock replaces time.Now for every expiry and lockout decision.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the verify-latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine. Every error wraps
// ErrConfiguration; a service must not start when Build fails.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, configErr("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.userStore == nil {
		return nil, configErr("user store required")
	}
	if b.sessionStore == nil && b.redis == nil {
		return nil, configErr("redis client or session store required")
	}
	if cfg.Sweep.LeaseKey != "" && b.redis == nil {
		return nil, configErr("Sweep LeaseKey requires a redis client")
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// -------- CREDENTIALS --------
	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	// -------- TOKENS --------
	codec, err := jwt.NewCodec(jwt.Config{
		Access:  keyConfig(cfg.JWT.Access, cfg.JWT.AccessTTL),
		Refresh: keyConfig(cfg.JWT.Refresh, cfg.JWT.RefreshTTL),
		Leeway:  cfg.JWT.Leeway,
		Now:     clock,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	// -------- SESSION STORE --------
	sessions := b.sessionStore
	if sessions == nil {
		sessions = session.NewStore(b.redis, cfg.Session.RedisPrefix)
	}

	engine := &Engine{
		config:   cfg,
		users:    b.userStore,
		sessions: sessions,
		redis:    b.redis,
		hasher:   hasher,
		codec:    codec,
		lockout: lockout.Policy{
			Threshold: cfg.Lockout.Threshold,
			Window:    cfg.Lockout.Window,
		},
		now:     clock,
		logger:  logger,
		metrics: NewMetrics(cfg.Metrics),
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
			OnDrop: func(eventType string) {
				logger.Warn("audit event dropped", slog.String("event_type", eventType))
			},
		}, b.auditSink),
	}

	b.built = true

	return engine, nil
}

func keyConfig(k TokenKeyConfig, ttl time.Duration) jwt.KeyConfig {
	return jwt.KeyConfig{
		SigningMethod: jwt.SigningMethod(k.SigningMethod),
		PrivateKey:    cloneBytes(k.PrivateKey),
		PublicKey:     cloneBytes(k.PublicKey),
		KeyID:         k.KeyID,
		Issuer:        k.Issuer,
		Audience:      k.Audience,
		TTL:           ttl,
	}
}
