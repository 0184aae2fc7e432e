// cache.go
//
// MockCache is an in-memory stand-in for store.RedisStore. Entries honour their
// TTLs against Now, so a FakeClock can expire sessions and rate windows.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/MGallo-Code/bastion/internal/store"
	"github.com/gofrs/uuid/v5"
)

type entry struct {
	value     []byte
	count     int64
	expiresAt time.Time
}

// MockCache implements the auth package's Cache interface.
// Use *Err fields to simulate Redis being unreachable.
type MockCache struct {
	// Error injection...zero value means no error
	PingErr    error
	SessionErr error
	CSRFErr    error
	IncrErr    error
	EventErr   error
	DeleteErr  error // DeleteSession only; lookups still succeed

	// Now defaults to time.Now; tests set it to FakeClock.Now.
	Now func() time.Time

	mu       sync.Mutex
	kv       map[string]*entry
	userSess map[uuid.UUID]map[string]struct{}
	events   map[string][][]byte
}

// NewMockCache returns an empty MockCache driven by now (nil means time.Now).
func NewMockCache(now func() time.Time) *MockCache {
	if now == nil {
		now = time.Now
	}
	return &MockCache{
		Now:      now,
		kv:       make(map[string]*entry),
		userSess: make(map[uuid.UUID]map[string]struct{}),
		events:   make(map[string][][]byte),
	}
}

// get returns a live entry, evicting it if expired. Caller holds mu.
func (c *MockCache) get(key string) (*entry, bool) {
	e, ok := c.kv[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !c.Now().Before(e.expiresAt) {
		delete(c.kv, key)
		return nil, false
	}
	return e, true
}

func (c *MockCache) Ping(_ context.Context) error { return c.PingErr }

// --- Sessions ---

func (c *MockCache) SetSession(_ context.Context, sessionID string, rec store.SessionRecord, ttl time.Duration) error {
	if c.SessionErr != nil {
		return c.SessionErr
	}
	data, _ := json.Marshal(rec)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kv["session:"+sessionID] = &entry{value: data, expiresAt: c.Now().Add(ttl)}
	if c.userSess[rec.UserID] == nil {
		c.userSess[rec.UserID] = make(map[string]struct{})
	}
	c.userSess[rec.UserID][sessionID] = struct{}{}
	return nil
}

func (c *MockCache) RefreshSession(_ context.Context, sessionID string, rec store.SessionRecord, ttl time.Duration) error {
	if c.SessionErr != nil {
		return c.SessionErr
	}
	data, _ := json.Marshal(rec)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.get("session:" + sessionID); !ok {
		return store.ErrCacheMiss
	}
	c.kv["session:"+sessionID] = &entry{value: data, expiresAt: c.Now().Add(ttl)}
	return nil
}

func (c *MockCache) GetSession(_ context.Context, sessionID string) (*store.SessionRecord, error) {
	if c.SessionErr != nil {
		return nil, c.SessionErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.get("session:" + sessionID)
	if !ok {
		return nil, store.ErrCacheMiss
	}
	var rec store.SessionRecord
	if err := json.Unmarshal(e.value, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *MockCache) DeleteSession(_ context.Context, sessionID string, userID uuid.UUID) error {
	if c.SessionErr != nil {
		return c.SessionErr
	}
	if c.DeleteErr != nil {
		return c.DeleteErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.kv, "session:"+sessionID)
	delete(c.userSess[userID], sessionID)
	return nil
}

func (c *MockCache) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) (int, error) {
	if c.SessionErr != nil {
		return 0, c.SessionErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id := range c.userSess[userID] {
		if _, ok := c.get("session:" + id); ok {
			n++
		}
		delete(c.kv, "session:"+id)
	}
	delete(c.userSess, userID)
	return n, nil
}

// --- CSRF ---

func (c *MockCache) SetCSRFToken(_ context.Context, userID uuid.UUID, tokenHash string, rec store.CSRFRecord, ttl time.Duration) error {
	if c.CSRFErr != nil {
		return c.CSRFErr
	}
	data, _ := json.Marshal(rec)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kv["csrf:"+userID.String()+":"+tokenHash] = &entry{value: data, expiresAt: c.Now().Add(ttl)}
	return nil
}

func (c *MockCache) ConsumeCSRFToken(_ context.Context, userID uuid.UUID, tokenHash string) (bool, error) {
	if c.CSRFErr != nil {
		return false, c.CSRFErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := "csrf:" + userID.String() + ":" + tokenHash
	if _, ok := c.get(key); !ok {
		return false, nil
	}
	delete(c.kv, key)
	return true, nil
}

// --- Rate limit counters ---

func (c *MockCache) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if c.IncrErr != nil {
		return 0, 0, c.IncrErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.get("ratelimit:" + key)
	if !ok {
		e = &entry{expiresAt: c.Now().Add(window)}
		c.kv["ratelimit:"+key] = e
	}
	e.count++
	return e.count, e.expiresAt.Sub(c.Now()), nil
}

func (c *MockCache) ResetWindow(_ context.Context, key string) error {
	if c.IncrErr != nil {
		return c.IncrErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.kv, "ratelimit:"+key)
	return nil
}

// --- Security events ---

func (c *MockCache) AppendEvent(_ context.Context, userID string, payload []byte, maxLen int64, _ time.Duration) error {
	if c.EventErr != nil {
		return c.EventErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := []string{""}
	if userID != "" {
		keys = append(keys, userID)
	}
	for _, k := range keys {
		list := append([][]byte{payload}, c.events[k]...)
		if maxLen > 0 && int64(len(list)) > maxLen {
			list = list[:maxLen]
		}
		c.events[k] = list
	}
	return nil
}

func (c *MockCache) RecentEvents(_ context.Context, userID string, n int64) ([][]byte, error) {
	if c.EventErr != nil {
		return nil, c.EventErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.events[userID]
	if int64(len(list)) > n {
		list = list[:n]
	}
	out := make([][]byte, len(list))
	copy(out, list)
	return out, nil
}

// SessionCount returns the number of live sessions for userID.
func (c *MockCache) SessionCount(userID uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id := range c.userSess[userID] {
		if _, ok := c.get("session:" + id); ok {
			n++
		}
	}
	return n
}
