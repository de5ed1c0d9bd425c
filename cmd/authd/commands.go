package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/medibridge/authcore"
	"github.com/medibridge/authcore/internal/settings"
	promexport "github.com/medibridge/authcore/metrics/export/prometheus"
	"github.com/medibridge/authcore/password"
	"github.com/medibridge/authcore/session"
	"github.com/medibridge/authcore/userstore/postgres"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "authd",
		Short:         "authcore operations: migrations, session sweeping, config checks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "authd.yaml", "path to the settings file")

	root.AddCommand(
		newCheckConfigCmd(opts),
		newMigrateCmd(opts),
		newSweepCmd(opts),
		newSeedUserCmd(opts),
	)
	return root
}

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the settings file without connecting to anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := settings.Load(opts.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: access_ttl=%s refresh_ttl=%s rotation=%t\n",
				s.Engine.JWT.AccessTTL, s.Engine.JWT.RefreshTTL, s.Engine.Session.EnforceRefreshRotation)
			return nil
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the users table migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := settings.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), s.LogLevel)

			db, err := postgres.Open(cmd.Context(), s.PostgresDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := postgres.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired and long-revoked sessions",
		Long: `Runs the session sweeper every sweep.interval until interrupted.
With --once a single pass runs and its counts are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := settings.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), s.LogLevel)

			rt, err := openDeps(cmd.Context(), s, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			sweeper := rt.engine.NewSweeper()
			if once {
				res, ran, err := sweeper.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				if !ran {
					fmt.Fprintln(cmd.OutOrStdout(), "skipped: another sweeper holds the lease")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired=%d revoked=%d\n", res.Expired, res.Revoked)
				return nil
			}

			if s.MetricsAddr != "" {
				stopMetrics, err := serveMetrics(s.MetricsAddr, rt.engine, logger)
				if err != nil {
					return err
				}
				defer stopMetrics()
			}

			logger.Info("sweeper started", "interval", s.Engine.Sweep.Interval.String())
			sweeper.Run(cmd.Context())
			logger.Info("sweeper stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func newSeedUserCmd(opts *rootOptions) *cobra.Command {
	var (
		email string
		role  string
	)
	cmd := &cobra.Command{
		Use:   "seed-user",
		Short: "Create an active user; the password is read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := settings.Load(opts.configPath)
			if err != nil {
				return err
			}
			if !authcore.Role(role).Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			pw, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}

			hasher, err := password.NewHasher(password.Config{
				Memory:      s.Engine.Password.Memory,
				Time:        s.Engine.Password.Time,
				Parallelism: s.Engine.Password.Parallelism,
				SaltLength:  s.Engine.Password.SaltLength,
				KeyLength:   s.Engine.Password.KeyLength,
			})
			if err != nil {
				return err
			}
			hash, err := hasher.Hash(pw)
			if err != nil {
				return err
			}

			db, err := postgres.Open(cmd.Context(), s.PostgresDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			u, err := postgres.NewStore(db).Create(cmd.Context(), postgres.NewUser{
				Email:          email,
				Role:           authcore.Role(role),
				CredentialHash: hash,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "login email")
	cmd.Flags().StringVar(&role, "role", string(authcore.RolePatient), "patient, doctor, nurse or admin")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password on stdin")
	}
	return line, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

type deps struct {
	engine *authcore.Engine
	rdb    *redis.Client
	db     *sql.DB
}

func (r *deps) Close() {
	if r.engine != nil {
		r.engine.Close()
	}
	if r.rdb != nil {
		_ = r.rdb.Close()
	}
	if r.db != nil {
		_ = r.db.Close()
	}
}

func openDeps(ctx context.Context, s *settings.Settings, logger *slog.Logger) (*deps, error) {
	redisOpts, err := redis.ParseURL(s.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rt := &deps{rdb: redis.NewClient(redisOpts)}
	sessions := session.NewStore(rt.rdb, s.Engine.Session.RedisPrefix)
	latency, err := sessions.Ping(ctx)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Debug("redis reachable", slog.Duration("latency", latency))

	rt.db, err = postgres.Open(ctx, s.PostgresDSN)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.engine, err = authcore.New().
		WithConfig(s.Engine).
		WithRedis(rt.rdb).
		WithSessionStore(sessions).
		WithUserStore(postgres.NewStore(rt.db)).
		WithLogger(logger).
		WithAuditSink(authcore.NewSlogSink(logger)).
		Build()
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func serveMetrics(addr string, engine *authcore.Engine, logger *slog.Logger) (func(), error) {
	reg, err := promexport.NewRegistry(engine)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promexport.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
