// Package coord provides cross-process run coordination for background
// jobs.
package coord

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-redis/redis/v8"

	"github.com/xenking/kart-offers/internal/domain/offer"
)

var (
	_ offer.Throttle = (*MemoryThrottle)(nil)
	_ offer.Throttle = (*RedisThrottle)(nil)
)

// MemoryThrottle grants runs within a single process.
type MemoryThrottle struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewMemoryThrottle creates an empty MemoryThrottle.
func NewMemoryThrottle() *MemoryThrottle {
	return &MemoryThrottle{
		last: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Allow records and grants a run of job unless one was granted within
// interval.
func (t *MemoryThrottle) Allow(_ context.Context, job string, interval time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.last[job]; ok && now.Sub(last) < interval {
		return false, nil
	}
	t.last[job] = now
	return true, nil
}

// RedisThrottle grants runs across every process sharing a Redis server.
// A run is a key that expires after the interval.
type RedisThrottle struct {
	client *redis.Client
	prefix string
}

// NewRedisThrottle creates a RedisThrottle storing keys under prefix.
func NewRedisThrottle(client *redis.Client, prefix string) *RedisThrottle {
	return &RedisThrottle{client: client, prefix: prefix}
}

// Allow sets the job key if absent.
func (t *RedisThrottle) Allow(ctx context.Context, job string, interval time.Duration) (bool, error) {
	ok, err := t.client.SetNX(ctx, t.prefix+job, time.Now().UTC().Format(time.RFC3339), interval).Result()
	if err != nil {
		return false, errors.Wrapf(err, "claim run of job %s", job)
	}
	return ok, nil
}

// NewRedisClient parses url and verifies the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}
