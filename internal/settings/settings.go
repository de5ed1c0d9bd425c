// Package settings loads the authd deployment file. The file is YAML with
// $VAR / ${VAR} expansion applied before parsing, so signing secrets and
// connection strings can stay in the environment.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/medibridge/authcore"
)

// ErrMissing is returned when a required field is empty after expansion.
var ErrMissing = errors.New("missing required setting")

// Settings is the resolved process configuration.
type Settings struct {
	Engine      authcore.Config
	RedisURL    string
	PostgresDSN string
	LogLevel    slog.Level
	MetricsAddr string
}

type keyFile struct {
	SigningMethod string `yaml:"signing_method"`
	PrivateKey    string `yaml:"private_key"`
	PublicKey     string `yaml:"public_key"`
	KeyID         string `yaml:"key_id"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
}

type file struct {
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	JWT struct {
		AccessTTL  time.Duration `yaml:"access_ttl"`
		RefreshTTL time.Duration `yaml:"refresh_ttl"`
		Leeway     time.Duration `yaml:"leeway"`
		Access     keyFile       `yaml:"access"`
		Refresh    keyFile       `yaml:"refresh"`
	} `yaml:"jwt"`
	Session struct {
		RedisPrefix            string        `yaml:"redis_prefix"`
		RevokedRetention       time.Duration `yaml:"revoked_retention"`
		EnforceRefreshRotation bool          `yaml:"enforce_refresh_rotation"`
		TouchOnVerify          bool          `yaml:"touch_on_verify"`
	} `yaml:"session"`
	Lockout struct {
		Threshold  uint32        `yaml:"threshold"`
		Window     time.Duration `yaml:"window"`
		MaxRetries int           `yaml:"max_retries"`
	} `yaml:"lockout"`
	PasswordReset struct {
		TokenTTL time.Duration `yaml:"token_ttl"`
	} `yaml:"password_reset"`
	Password struct {
		Memory         uint32 `yaml:"memory_kib"`
		Time           uint32 `yaml:"time"`
		Parallelism    uint8  `yaml:"parallelism"`
		UpgradeOnLogin bool   `yaml:"upgrade_on_login"`
	} `yaml:"password"`
	Sweep struct {
		Interval  time.Duration `yaml:"interval"`
		BatchSize int           `yaml:"batch_size"`
		LeaseKey  string        `yaml:"lease_key"`
		LeaseTTL  time.Duration `yaml:"lease_ttl"`
	} `yaml:"sweep"`
	Store struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"store"`
	Audit struct {
		Enabled    bool `yaml:"enabled"`
		BufferSize int  `yaml:"buffer_size"`
		DropIfFull bool `yaml:"drop_if_full"`
	} `yaml:"audit"`
	Metrics struct {
		Enabled                 bool   `yaml:"enabled"`
		EnableLatencyHistograms bool   `yaml:"latency_histograms"`
		Addr                    string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Load reads path, expands the environment and parses it.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return Parse(data)
}

// Parse expands data against the environment and overlays it on
// authcore.DefaultConfig. The engine config is validated before return.
func Parse(data []byte) (*Settings, error) {
	f := defaults()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	s := &Settings{
		Engine:      f.engineConfig(),
		RedisURL:    strings.TrimSpace(f.Redis.URL),
		PostgresDSN: strings.TrimSpace(f.Postgres.DSN),
		MetricsAddr: strings.TrimSpace(f.Metrics.Addr),
	}
	if err := s.LogLevel.UnmarshalText([]byte(f.Log.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	switch {
	case s.RedisURL == "":
		return nil, fmt.Errorf("%w: redis.url", ErrMissing)
	case s.PostgresDSN == "":
		return nil, fmt.Errorf("%w: postgres.dsn", ErrMissing)
	case len(s.Engine.JWT.Access.PrivateKey) == 0 && len(s.Engine.JWT.Access.PublicKey) == 0:
		return nil, fmt.Errorf("%w: jwt.access.private_key", ErrMissing)
	case len(s.Engine.JWT.Refresh.PrivateKey) == 0 && len(s.Engine.JWT.Refresh.PublicKey) == 0:
		return nil, fmt.Errorf("%w: jwt.refresh.private_key", ErrMissing)
	}

	if err := s.Engine.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func defaults() file {
	d := authcore.DefaultConfig()
	var f file
	f.Log.Level = "info"
	f.JWT.AccessTTL = d.JWT.AccessTTL
	f.JWT.RefreshTTL = d.JWT.RefreshTTL
	f.JWT.Leeway = d.JWT.Leeway
	f.JWT.Access = keyFileOf(d.JWT.Access)
	f.JWT.Refresh = keyFileOf(d.JWT.Refresh)
	f.Session.RedisPrefix = d.Session.RedisPrefix
	f.Session.RevokedRetention = d.Session.RevokedRetention
	f.Session.EnforceRefreshRotation = d.Session.EnforceRefreshRotation
	f.Session.TouchOnVerify = d.Session.TouchOnVerify
	f.Lockout.Threshold = d.Lockout.Threshold
	f.Lockout.Window = d.Lockout.Window
	f.Lockout.MaxRetries = d.Lockout.MaxRetries
	f.PasswordReset.TokenTTL = d.PasswordReset.TokenTTL
	f.Password.Memory = d.Password.Memory
	f.Password.Time = d.Password.Time
	f.Password.Parallelism = d.Password.Parallelism
	f.Password.UpgradeOnLogin = d.Password.UpgradeOnLogin
	f.Sweep.Interval = d.Sweep.Interval
	f.Sweep.BatchSize = d.Sweep.BatchSize
	f.Sweep.LeaseKey = d.Sweep.LeaseKey
	f.Sweep.LeaseTTL = d.Sweep.LeaseTTL
	f.Store.Timeout = d.Store.Timeout
	f.Audit.Enabled = d.Audit.Enabled
	f.Audit.BufferSize = d.Audit.BufferSize
	f.Audit.DropIfFull = d.Audit.DropIfFull
	f.Metrics.Enabled = d.Metrics.Enabled
	f.Metrics.EnableLatencyHistograms = d.Metrics.EnableLatencyHistograms
	return f
}

func keyFileOf(k authcore.TokenKeyConfig) keyFile {
	return keyFile{
		SigningMethod: k.SigningMethod,
		KeyID:         k.KeyID,
		Issuer:        k.Issuer,
		Audience:      k.Audience,
	}
}

func (k keyFile) tokenKeyConfig() authcore.TokenKeyConfig {
	return authcore.TokenKeyConfig{
		SigningMethod: strings.ToLower(strings.TrimSpace(k.SigningMethod)),
		PrivateKey:    bytesOrNil(k.PrivateKey),
		PublicKey:     bytesOrNil(k.PublicKey),
		KeyID:         k.KeyID,
		Issuer:        k.Issuer,
		Audience:      k.Audience,
	}
}

func (f file) engineConfig() authcore.Config {
	cfg := authcore.DefaultConfig()
	cfg.JWT.AccessTTL = f.JWT.AccessTTL
	cfg.JWT.RefreshTTL = f.JWT.RefreshTTL
	cfg.JWT.Leeway = f.JWT.Leeway
	cfg.JWT.Access = f.JWT.Access.tokenKeyConfig()
	cfg.JWT.Refresh = f.JWT.Refresh.tokenKeyConfig()
	cfg.Session.RedisPrefix = f.Session.RedisPrefix
	cfg.Session.RevokedRetention = f.Session.RevokedRetention
	cfg.Session.EnforceRefreshRotation = f.Session.EnforceRefreshRotation
	cfg.Session.TouchOnVerify = f.Session.TouchOnVerify
	cfg.Lockout.Threshold = f.Lockout.Threshold
	cfg.Lockout.Window = f.Lockout.Window
	cfg.Lockout.MaxRetries = f.Lockout.MaxRetries
	cfg.PasswordReset.TokenTTL = f.PasswordReset.TokenTTL
	cfg.Password.Memory = f.Password.Memory
	cfg.Password.Time = f.Password.Time
	cfg.Password.Parallelism = f.Password.Parallelism
	cfg.Password.UpgradeOnLogin = f.Password.UpgradeOnLogin
	cfg.Sweep.Interval = f.Sweep.Interval
	cfg.Sweep.BatchSize = f.Sweep.BatchSize
	cfg.Sweep.LeaseKey = f.Sweep.LeaseKey
	cfg.Sweep.LeaseTTL = f.Sweep.LeaseTTL
	cfg.Store.Timeout = f.Store.Timeout
	cfg.Audit.Enabled = f.Audit.Enabled
	cfg.Audit.BufferSize = f.Audit.BufferSize
	cfg.Audit.DropIfFull = f.Audit.DropIfFull
	cfg.Metrics.Enabled = f.Metrics.Enabled
	cfg.Metrics.EnableLatencyHistograms = f.Metrics.EnableLatencyHistograms
	return cfg
}

func bytesOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}
