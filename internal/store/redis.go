// redis.go -- go-redis adapter for sessions, CSRF tokens, rate-limit counters,
// and the bounded security event log.
//
// Every call runs under the store timeout so a stalled Redis fails fast
// instead of hanging the request; callers decide fail-open or fail-closed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// Key prefixes. Kept in one place so tests and operators can find them.
const (
	sessionKeyPrefix      = "session:"
	userSessionsKeyPrefix = "user_sessions:"
	csrfKeyPrefix         = "csrf:"
	rateLimitKeyPrefix    = "ratelimit:"
	eventsKey             = "security_events"
	userEventsKeyPrefix   = "security_events:user:"
)

// RedisStore wraps a Redis client for cache operations.
type RedisStore struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewRedisClient parses redisURL, applies timeout to dial/read/write, and pings.
// One client is shared by every Redis-backed component.
func NewRedisClient(ctx context.Context, redisURL string, timeout time.Duration) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if timeout > 0 {
		opt.DialTimeout = timeout
		opt.ReadTimeout = timeout
		opt.WriteTimeout = timeout
	}

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, max(timeout, time.Second))
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// NewRedisStore wraps rdb. timeout bounds every operation; 0 means 3s.
func NewRedisStore(rdb *redis.Client, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RedisStore{rdb: rdb, timeout: timeout}
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// --- Sessions ---

// SetSession stores a new session with ttl and adds it to the user's session index.
// Ids of sessions that expired on their own are pruned from the index first, and the
// index never expires before its longest-lived member.
func (s *RedisStore) SetSession(ctx context.Context, sessionID string, rec SessionRecord, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	setKey := userSessionsKeyPrefix + rec.UserID.String()
	if err := s.pruneSessionIndex(ctx, setKey); err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+sessionID, data, ttl)
	pipe.SAdd(ctx, setKey, sessionID)
	extendIndex(ctx, pipe, setKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching session: %w", err)
	}
	return nil
}

// extendIndex makes the index outlive ttl: NX covers a fresh set, GT only ever lengthens.
func extendIndex(ctx context.Context, pipe redis.Pipeliner, setKey string, ttl time.Duration) {
	pipe.ExpireNX(ctx, setKey, ttl)
	pipe.ExpireGT(ctx, setKey, ttl)
}

// pruneSessionIndex removes ids whose session key no longer exists.
func (s *RedisStore) pruneSessionIndex(ctx context.Context, setKey string) error {
	ids, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("fetching user sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, sessionKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checking user sessions: %w", err)
	}

	var dead []any
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			dead = append(dead, ids[i])
		}
	}
	if len(dead) == 0 {
		return nil
	}
	if err := s.rdb.SRem(ctx, setKey, dead...).Err(); err != nil {
		return fmt.Errorf("pruning user sessions: %w", err)
	}
	return nil
}

// RefreshSession overwrites an existing session record with a new ttl.
// Uses SET XX so a session destroyed concurrently is never resurrected;
// returns ErrCacheMiss if the key no longer exists.
func (s *RedisStore) RefreshSession(ctx context.Context, sessionID string, rec SessionRecord, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	ok, err := s.rdb.SetXX(ctx, sessionKeyPrefix+sessionID, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("refreshing session: %w", err)
	}
	if !ok {
		return ErrCacheMiss
	}

	pipe := s.rdb.Pipeline()
	extendIndex(ctx, pipe, userSessionsKeyPrefix+rec.UserID.String(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("extending session index: %w", err)
	}
	return nil
}

// GetSession fetches a session record. Returns ErrCacheMiss if absent.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.rdb.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	return &rec, nil
}

// DeleteSession removes a session and its entry in the user's index. Idempotent.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string, userID uuid.UUID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+sessionID)
	pipe.SRem(ctx, userSessionsKeyPrefix+userID.String(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteAllUserSessions removes every session in the user's index plus the index itself.
// Returns how many of those sessions were still live.
func (s *RedisStore) DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	setKey := userSessionsKeyPrefix + userID.String()
	ids, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("fetching user sessions: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	dels := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		dels[i] = pipe.Del(ctx, sessionKeyPrefix+id)
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("deleting user sessions: %w", err)
	}
	live := 0
	for _, d := range dels {
		live += int(d.Val())
	}
	return live, nil
}

// --- CSRF tokens ---

func csrfKey(userID uuid.UUID, tokenHash string) string {
	return csrfKeyPrefix + userID.String() + ":" + tokenHash
}

// SetCSRFToken stores a CSRF token hash scoped to userID with ttl.
func (s *RedisStore) SetCSRFToken(ctx context.Context, userID uuid.UUID, tokenHash string, rec CSRFRecord, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling csrf token: %w", err)
	}
	if err := s.rdb.Set(ctx, csrfKey(userID, tokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("storing csrf token: %w", err)
	}
	return nil
}

// ConsumeCSRFToken deletes the token and reports whether it existed.
// DEL is atomic, so of two concurrent consumers exactly one sees true.
// The key embeds userID; a token issued to another user is simply not found.
func (s *RedisStore) ConsumeCSRFToken(ctx context.Context, userID uuid.UUID, tokenHash string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.Del(ctx, csrfKey(userID, tokenHash)).Result()
	if err != nil {
		return false, fmt.Errorf("consuming csrf token: %w", err)
	}
	return n == 1, nil
}

// --- Rate limit counters ---

// incrScript increments a fixed-window counter and sets the window expiry on the
// first hit only. Also repairs a counter that somehow lost its TTL.
// KEYS[1] = counter key, ARGV[1] = window in ms. Returns {count, remaining ms}.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if n == 1 or ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// IncrWindow atomically increments the counter for key and returns the
// post-increment count and the time left in the current window.
func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := incrScript.Run(ctx, s.rdb, []string{rateLimitKeyPrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("incrementing rate limit counter: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("incrementing rate limit counter: unexpected reply %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// ResetWindow deletes the counter for key.
func (s *RedisStore) ResetWindow(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.rdb.Del(ctx, rateLimitKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("resetting rate limit counter: %w", err)
	}
	return nil
}

// --- Security events ---

// AppendEvent pushes payload onto the global event list and, if userID is set,
// the user's list. Lists are trimmed to maxLen (oldest dropped first) and expire
// after retention of inactivity.
func (s *RedisStore) AppendEvent(ctx context.Context, userID string, payload []byte, maxLen int64, retention time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys := []string{eventsKey}
	if userID != "" {
		keys = append(keys, userEventsKeyPrefix+userID)
	}

	pipe := s.rdb.TxPipeline()
	for _, k := range keys {
		pipe.LPush(ctx, k, payload)
		if maxLen > 0 {
			pipe.LTrim(ctx, k, 0, maxLen-1)
		}
		if retention > 0 {
			pipe.Expire(ctx, k, retention)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending security event: %w", err)
	}
	return nil
}

// RecentEvents returns up to n payloads, newest first. userID "" reads the global list.
func (s *RedisStore) RecentEvents(ctx context.Context, userID string, n int64) ([][]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := eventsKey
	if userID != "" {
		key = userEventsKeyPrefix + userID
	}
	vals, err := s.rdb.LRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading security events: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}
