package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every backend failure.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrNotFound is returned when no session matches the lookup key.
var ErrNotFound = errors.New("session not found")

// ErrDuplicate is returned by Create when the session id or token is taken.
var ErrDuplicate = errors.New("session already exists")

// ErrNotUsable is returned by Extend when the session is inactive, expired,
// or owned by another user at the time of the update.
var ErrNotUsable = errors.New("session not usable")

// ErrRefreshReuse is returned by Extend when rotation is enforced and the
// presented refresh id is not the latest one. The session is revoked.
var ErrRefreshReuse = errors.New("refresh token reuse detected")

const (
	extendStatusNotFound int64 = 0
	extendStatusUnusable int64 = 1
	extendStatusReused   int64 = 2
	extendStatusExtended int64 = 3
)

// KEYS: session hash, token key, user set, expiry index
// ARGV: session id, expiresAt ms, field/value pairs...
const createScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
if not redis.call("SET", KEYS[2], ARGV[1], "NX") then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("SADD", KEYS[3], ARGV[1])
redis.call("ZADD", KEYS[4], ARGV[2], ARGV[1])
return 1
`

var createLua = redis.NewScript(createScript)

// KEYS: session hash
// ARGV: now ms
const touchScript = `
if redis.call("HGET", KEYS[1], "act") ~= "1" then
  return 0
end
redis.call("HSET", KEYS[1], "last", ARGV[1], "upd", ARGV[1])
return 1
`

var touchLua = redis.NewScript(touchScript)

// KEYS: session hash, expiry index, revoked index
// ARGV: session id, user id, now ms, next expiresAt ms, rotate flag,
// presented refresh id, next refresh id
const extendScript = `
local f = redis.call("HMGET", KEYS[1], "uid", "act", "exp", "rid")
if not f[1] or f[1] ~= ARGV[2] then
  return 0
end
local now = tonumber(ARGV[3])
if f[2] ~= "1" or tonumber(f[3]) <= now then
  return 1
end
if ARGV[5] == "1" then
  if f[4] and f[4] ~= "" and f[4] ~= ARGV[6] then
    redis.call("HSET", KEYS[1], "act", "0", "upd", ARGV[3])
    redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
    return 2
  end
  redis.call("HSET", KEYS[1], "rid", ARGV[7])
end
redis.call("HSET", KEYS[1], "exp", ARGV[4], "last", ARGV[3], "upd", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[1])
return 3
`

var extendLua = redis.NewScript(extendScript)

// KEYS: session hash, revoked index
// ARGV: session id, now ms
const deactivateScript = `
if redis.call("HGET", KEYS[1], "act") ~= "1" then
  return 0
end
redis.call("HSET", KEYS[1], "act", "0", "upd", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
return 1
`

var deactivateLua = redis.NewScript(deactivateScript)

// KEYS: user set, revoked index
// ARGV: session key prefix, now ms
const deactivateUserScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, sid in ipairs(ids) do
  local key = ARGV[1] .. sid
  local act = redis.call("HGET", key, "act")
  if act == "1" then
    redis.call("HSET", key, "act", "0", "upd", ARGV[2])
    redis.call("ZADD", KEYS[2], ARGV[2], sid)
    n = n + 1
  elseif not act then
    redis.call("SREM", KEYS[1], sid)
  end
end
return n
`

var deactivateUserLua = redis.NewScript(deactivateUserScript)

// KEYS: session hash, expiry index, revoked index
// ARGV: session id, now ms, revoked cutoff ms, token key prefix, user key prefix
const sweepScript = `
local f = redis.call("HMGET", KEYS[1], "exp", "act", "upd", "tok", "uid")
if not f[1] then
  redis.call("ZREM", KEYS[2], ARGV[1])
  redis.call("ZREM", KEYS[3], ARGV[1])
  return 0
end
local exp = tonumber(f[1])
local expired = exp < tonumber(ARGV[2])
local stale = f[2] ~= "1" and tonumber(f[3]) < tonumber(ARGV[3])
if not expired and not stale then
  redis.call("ZADD", KEYS[2], exp, ARGV[1])
  if f[2] == "1" then
    redis.call("ZREM", KEYS[3], ARGV[1])
  else
    redis.call("ZADD", KEYS[3], f[3], ARGV[1])
  end
  return 0
end
redis.call("DEL", KEYS[1])
if f[4] then
  redis.call("DEL", ARGV[4] .. f[4])
end
if f[5] then
  redis.call("SREM", ARGV[5] .. f[5], ARGV[1])
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
return 1
`

var sweepLua = redis.NewScript(sweepScript)

// ExtendRequest carries the conditional update applied on refresh.
type ExtendRequest struct {
	SessionID string
	UserID    string
	Now       time.Time
	ExpiresAt time.Time

	// Rotate enables the refresh-id compare-and-swap.
	Rotate           bool
	PresentedRefresh string
	NextRefresh      string
}

// SweepResult reports what one sweep pass removed.
type SweepResult struct {
	Expired int
	Revoked int
}

// Total is the number of hard-deleted sessions.
func (r SweepResult) Total() int { return r.Expired + r.Revoked }

// Store is a Redis-backed session table. Each session is a hash; secondary
// keys index it by token and by user, and two sorted sets order expired and
// revoked sessions for the sweep. All multi-key mutations run as Lua
// scripts so every transition is atomic.
//
// Keys do not carry a Redis TTL: expiry is a data predicate evaluated with
// the caller's clock, and storage is reclaimed by Sweep.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session [Store] under the given key namespace.
func NewStore(redis redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "as"
	}
	return &Store{redis: redis, prefix: prefix}
}

func (s *Store) sessionPrefix() string        { return s.prefix + ":s:" }
func (s *Store) tokenPrefix() string          { return s.prefix + ":t:" }
func (s *Store) userPrefix() string           { return s.prefix + ":u:" }
func (s *Store) key(sessionID string) string  { return s.sessionPrefix() + sessionID }
func (s *Store) tokenKey(token string) string { return s.tokenPrefix() + token }
func (s *Store) userKey(userID string) string { return s.userPrefix() + userID }
func (s *Store) expiryKey() string            { return s.prefix + ":exp" }
func (s *Store) revokedKey() string           { return s.prefix + ":rev" }

// Create inserts a new session. It fails with ErrDuplicate if either the
// session id or the session token already exists.
//
//	Performance: 1 Lua round-trip.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	if sess.SessionID == "" || sess.SessionToken == "" || sess.UserID == "" {
		return errors.New("session id, token and user id are required")
	}

	args := append([]interface{}{sess.SessionID, sess.ExpiresAt.UnixMilli()}, encodeFields(sess)...)
	keys := []string{s.key(sess.SessionID), s.tokenKey(sess.SessionToken), s.userKey(sess.UserID), s.expiryKey()}

	created, err := createLua.Run(ctx, s.redis, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if created != 1 {
		return ErrDuplicate
	}
	return nil
}

// GetByID returns the stored session regardless of its usability.
//
//	Performance: 1 Redis HGETALL.
func (s *Store) GetByID(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeFields(sessionID, fields)
}

// GetByToken resolves a session token to its session.
//
//	Performance: 2 Redis commands (GET + HGETALL).
func (s *Store) GetByToken(ctx context.Context, token string) (*Session, error) {
	sessionID, err := s.lookupToken(ctx, token)
	if err != nil {
		return nil, err
	}
	sess, err := s.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.SessionToken != token {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *Store) lookupToken(ctx context.Context, token string) (string, error) {
	sessionID, err := s.redis.Get(ctx, s.tokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return sessionID, nil
}

// Touch records activity on an active session. Touching an inactive or
// missing session is a no-op.
func (s *Store) Touch(ctx context.Context, sessionID string, now time.Time) error {
	if err := touchLua.Run(ctx, s.redis, []string{s.key(sessionID)}, now.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Extend moves the expiry of a usable session forward. The usability
// predicate, the owner check and the optional refresh-id compare-and-swap
// are evaluated atomically with the write.
func (s *Store) Extend(ctx context.Context, req ExtendRequest) error {
	rotate := "0"
	if req.Rotate {
		rotate = "1"
	}
	keys := []string{s.key(req.SessionID), s.expiryKey(), s.revokedKey()}
	status, err := extendLua.Run(ctx, s.redis, keys,
		req.SessionID,
		req.UserID,
		req.Now.UnixMilli(),
		req.ExpiresAt.UnixMilli(),
		rotate,
		req.PresentedRefresh,
		req.NextRefresh,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch status {
	case extendStatusExtended:
		return nil
	case extendStatusNotFound:
		return ErrNotFound
	case extendStatusReused:
		return ErrRefreshReuse
	default:
		return ErrNotUsable
	}
}

// DeactivateByID soft-deletes one session. It reports whether this call
// changed the session; repeating it is harmless.
func (s *Store) DeactivateByID(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	changed, err := deactivateLua.Run(ctx, s.redis,
		[]string{s.key(sessionID), s.revokedKey()},
		sessionID, now.UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return changed == 1, nil
}

// DeactivateByToken soft-deletes the session owning token. Unknown tokens
// are not an error.
func (s *Store) DeactivateByToken(ctx context.Context, token string, now time.Time) (bool, error) {
	sessionID, err := s.lookupToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.DeactivateByID(ctx, sessionID, now)
}

// DeactivateAllForUser soft-deletes every active session of userID in one
// atomic step and returns how many changed. Index entries that point at
// already-swept sessions are pruned on the way.
func (s *Store) DeactivateAllForUser(ctx context.Context, userID string, now time.Time) (int, error) {
	n, err := deactivateUserLua.Run(ctx, s.redis,
		[]string{s.userKey(userID), s.revokedKey()},
		s.sessionPrefix(), now.UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(n), nil
}

// ListForUser returns every stored session of userID, usable or not.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, sid := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.key(sid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions := make([]*Session, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if len(fields) == 0 {
			continue
		}
		sess, err := decodeFields(ids[i], fields)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Sweep hard-deletes sessions that expired before now and inactive sessions
// last updated before revokedBefore. Candidates are read from the indexes
// in batches; each deletion re-checks the predicate inside Lua, so a
// session extended after it was selected survives.
func (s *Store) Sweep(ctx context.Context, now, revokedBefore time.Time, batch int) (SweepResult, error) {
	if batch <= 0 {
		batch = 500
	}

	var res SweepResult
	expired, err := s.sweepIndex(ctx, s.expiryKey(), now, now, revokedBefore, batch)
	res.Expired = expired
	if err != nil {
		return res, err
	}
	revoked, err := s.sweepIndex(ctx, s.revokedKey(), revokedBefore, now, revokedBefore, batch)
	res.Revoked = revoked
	return res, err
}

func (s *Store) sweepIndex(ctx context.Context, index string, bound, now, revokedBefore time.Time, batch int) (int, error) {
	deleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return deleted, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		ids, err := s.redis.ZRangeByScore(ctx, index, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   "(" + strconv.FormatInt(bound.UnixMilli(), 10),
			Count: int64(batch),
		}).Result()
		if err != nil {
			return deleted, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		removed := 0
		for _, sid := range ids {
			n, err := sweepLua.Run(ctx, s.redis,
				[]string{s.key(sid), s.expiryKey(), s.revokedKey()},
				sid, now.UnixMilli(), revokedBefore.UnixMilli(), s.tokenPrefix(), s.userPrefix(),
			).Int64()
			if err != nil {
				return deleted, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
			removed += int(n)
		}
		deleted += removed

		// Every candidate was either deleted or re-scored at or above bound,
		// so the next range starts past this batch.
		if len(ids) < batch {
			return deleted, nil
		}
	}
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
