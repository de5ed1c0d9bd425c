package authcore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// SweepExpiredSessions hard-deletes sessions whose expiry has passed and
// soft-deleted sessions last updated more than Session.RevokedRetention
// ago. Usable sessions are never touched. The result counts deletions even
// when a later batch fails.
func (e *Engine) SweepExpiredSessions(ctx context.Context) (SweepResult, error) {
	now := e.now()
	res, err := e.sessions.Sweep(ctx, now, now.Add(-e.config.Session.RevokedRetention), e.config.Sweep.BatchSize)

	e.metricInc(MetricSweepRun)
	if e.metrics != nil && res.Total() > 0 {
		e.metrics.Add(MetricSweepDeleted, uint64(res.Total()))
	}
	if err != nil {
		return res, e.storeErr("sweep sessions", err)
	}

	e.emitAudit(ctx, auditEventSessionSweep, true, "", "", nil, func() map[string]string {
		return map[string]string{
			"expired": strconv.Itoa(res.Expired),
			"revoked": strconv.Itoa(res.Revoked),
		}
	})
	return res, nil
}

// KEYS: lease key
// ARGV: holder token
var releaseLeaseLua = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Sweeper runs SweepExpiredSessions on a fixed interval. Passes never
// overlap within a process; with Sweep.LeaseKey set, a Redis lease keeps
// other processes from sweeping at the same time.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	running  atomic.Bool
}

// NewSweeper returns a Sweeper using Sweep.Interval.
func (e *Engine) NewSweeper() *Sweeper {
	return &Sweeper{engine: e, interval: e.config.Sweep.Interval}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Failures are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one guarded pass. It reports false when another pass
// held the guard or the lease and nothing ran.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, bool, error) {
	if !s.running.CompareAndSwap(false, true) {
		return SweepResult{}, false, nil
	}
	defer s.running.Store(false)

	e := s.engine
	release, acquired, err := s.acquireLease(ctx)
	if err != nil {
		e.logger.Warn("sweep lease unavailable", slog.String("error", err.Error()))
		return SweepResult{}, false, err
	}
	if !acquired {
		e.logger.Debug("sweep skipped; lease held elsewhere")
		return SweepResult{}, false, nil
	}
	defer release()

	start := time.Now()
	res, err := e.SweepExpiredSessions(ctx)
	if err != nil {
		e.logger.Error("session sweep failed",
			slog.Int("deleted", res.Total()),
			slog.String("error", err.Error()),
		)
		return res, true, err
	}

	e.logger.Info("session sweep complete",
		slog.Int("expired", res.Expired),
		slog.Int("revoked", res.Revoked),
		slog.Duration("took", time.Since(start)),
	)
	return res, true, nil
}

func (s *Sweeper) acquireLease(ctx context.Context) (func(), bool, error) {
	e := s.engine
	key := e.config.Sweep.LeaseKey
	if key == "" || e.redis == nil {
		return func() {}, true, nil
	}

	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, false, err
	}
	holder := hex.EncodeToString(raw[:])

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	ok, err := e.redis.SetNX(sctx, key, holder, e.config.Sweep.LeaseTTL).Result()
	if err != nil {
		return nil, false, e.storeErr("acquire sweep lease", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.Store.Timeout)
		defer cancel()
		if err := releaseLeaseLua.Run(rctx, e.redis, []string{key}, holder).Err(); err != nil {
			e.logger.Warn("sweep lease release failed", slog.String("error", err.Error()))
		}
	}
	return release, true, nil
}
