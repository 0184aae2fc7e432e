// queue.go
//
// Redis-backed async alert queue. QueuedNotifier implements Notifier and
// enqueues alerts instead of delivering them inline; StartWorker drains the
// queue in a background goroutine and hands each alert to the inner Sink.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list used as the outbound alert queue.
const QueueKey = "bastion:alert:queue"

// DefaultMaxQueueSize caps the queue so a dead broker cannot grow Redis unbounded.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned by Notify when the queue has reached its size cap.
var ErrQueueFull = errors.New("alert queue full")

// QueuedNotifier pushes alerts onto a Redis list; StartWorker delivers them.
type QueuedNotifier struct {
	inner        Sink
	rdb          *redis.Client
	maxQueueSize int64 // 0 = unlimited
	popTimeout   time.Duration
}

// NewQueuedNotifier wraps inner with a Redis-backed async queue.
// maxSize caps the queue length (0 = unlimited); use DefaultMaxQueueSize for production.
func NewQueuedNotifier(inner Sink, rdb *redis.Client, maxSize int64) *QueuedNotifier {
	return &QueuedNotifier{inner: inner, rdb: rdb, maxQueueSize: maxSize, popTimeout: 2 * time.Second}
}

// enqueueScript atomically checks the queue length and pushes only if under the cap.
// Returns 1 if enqueued, 0 if rejected.
// KEYS[1] = queue key, ARGV[1] = max size (0 = skip check), ARGV[2] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// Notify serializes a and appends it to the queue.
// Returns ErrQueueFull if the queue is at capacity.
func (q *QueuedNotifier) Notify(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing alert: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// StartWorker drains the queue until ctx is cancelled. Call in a goroutine.
func (q *QueuedNotifier) StartWorker(ctx context.Context) {
	for {
		// BLPop returns redis.Nil on timeout, keeping the loop responsive to ctx.
		res, err := q.rdb.BLPop(ctx, q.popTimeout, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			slog.Error("alert worker: queue pop failed", "err", err)
			// Back off so a down Redis doesn't spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// res[0] = key name, res[1] = payload
		var a Alert
		if err := json.Unmarshal([]byte(res[1]), &a); err != nil {
			slog.Error("alert worker: bad payload", "err", err)
			continue
		}
		q.dispatch(ctx, a)
	}
}

// dispatch hands a to the inner sink. Errors are logged and dropped.
func (q *QueuedNotifier) dispatch(ctx context.Context, a Alert) {
	if err := q.inner.Send(ctx, a); err != nil {
		slog.Error("alert worker: send failed", "event_id", a.EventID, "type", a.Type, "err", err)
	}
}

// SinkNotifier delivers in a goroutine without a queue. Used when Redis-backed
// queuing isn't wanted, e.g. tests and local runs.
type SinkNotifier struct {
	Sink    Sink
	Timeout time.Duration
}

func (s SinkNotifier) Notify(_ context.Context, a Alert) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Sink.Send(ctx, a); err != nil {
			slog.Error("alert send failed", "event_id", a.EventID, "type", a.Type, "err", err)
		}
	}()
	return nil
}
