package detector

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Debouncer limits incident records to one per meter per window.  Allow
// claims the window; Release gives it back when the record could not be
// written.
type Debouncer interface {
	Allow(ctx context.Context, meter string) (bool, error)
	Release(ctx context.Context, meter string) error
}

// NewDebouncer picks the Redis implementation when rdb is available so
// that several service instances share one window, and an in-process map
// otherwise.  A non-positive window disables debouncing.
func NewDebouncer(rdb *redis.Client, window time.Duration) Debouncer {
	switch {
	case window <= 0:
		return noDebounce{}
	case rdb != nil:
		return &RedisDebouncer{rdb: rdb, window: window, prefix: "detector:incident:"}
	default:
		return NewMemoryDebouncer(window)
	}
}

type noDebounce struct{}

func (noDebounce) Allow(context.Context, string) (bool, error) { return true, nil }
func (noDebounce) Release(context.Context, string) error       { return nil }

// RedisDebouncer claims a window with SET NX PX.
type RedisDebouncer struct {
	rdb    *redis.Client
	window time.Duration
	prefix string
}

func (d *RedisDebouncer) Allow(ctx context.Context, meter string) (bool, error) {
	return d.rdb.SetNX(ctx, d.prefix+meter, strconv.FormatInt(time.Now().Unix(), 10), d.window).Result()
}

func (d *RedisDebouncer) Release(ctx context.Context, meter string) error {
	return d.rdb.Del(ctx, d.prefix+meter).Err()
}

// MemoryDebouncer is the single-instance fallback.
type MemoryDebouncer struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewMemoryDebouncer returns an empty MemoryDebouncer.
func NewMemoryDebouncer(window time.Duration) *MemoryDebouncer {
	return &MemoryDebouncer{window: window, now: time.Now, last: make(map[string]time.Time)}
}

func (d *MemoryDebouncer) Allow(_ context.Context, meter string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if t, ok := d.last[meter]; ok && now.Sub(t) < d.window {
		return false, nil
	}
	d.last[meter] = now
	if len(d.last) > 1024 {
		for k, t := range d.last {
			if now.Sub(t) >= d.window {
				delete(d.last, k)
			}
		}
	}
	return true, nil
}

func (d *MemoryDebouncer) Release(_ context.Context, meter string) error {
	d.mu.Lock()
	delete(d.last, meter)
	d.mu.Unlock()
	return nil
}
