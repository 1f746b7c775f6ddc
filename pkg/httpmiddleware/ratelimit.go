package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Decision is the outcome of a single rate limit probe.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// SlidingWindow is an in-process Limiter that weights the previous window
// by its overlap with the current one.
type SlidingWindow struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	start time.Time
	prev  float64
	curr  float64
}

// NewSlidingWindow allows max requests per key in any window.
func NewSlidingWindow(max int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		max:     max,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow implements Limiter.
func (s *SlidingWindow) Allow(_ context.Context, key string) (Decision, error) {
	now := s.now()
	start := now.Truncate(s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	switch {
	case !ok:
		b = &bucket{start: start}
		s.buckets[key] = b
	case b.start.Equal(start):
	case b.start.Add(s.window).Equal(start):
		b.prev, b.curr, b.start = b.curr, 0, start
	default:
		b.prev, b.curr, b.start = 0, 0, start
	}

	overlap := 1 - float64(now.Sub(start))/float64(s.window)
	used := b.prev*overlap + b.curr
	d := Decision{Limit: s.max, ResetAt: start.Add(s.window)}
	if used >= float64(s.max) {
		return d, nil
	}
	b.curr++
	d.Allowed = true
	d.Remaining = max(0, int(float64(s.max)-used-1))
	return d, nil
}

// Run evicts idle keys every other window until ctx is done.
func (s *SlidingWindow) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * s.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evict()
		}
	}
}

func (s *SlidingWindow) evict() {
	cutoff := s.now().Add(-2 * s.window)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if b.start.Before(cutoff) {
			delete(s.buckets, key)
		}
	}
}

// RedisWindow is a fixed-window Limiter shared by every replica that uses
// the same Redis.
type RedisWindow struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
	now    func() time.Time
}

// NewRedisWindow allows max requests per key per window.
func NewRedisWindow(client *redis.Client, prefix string, max int, window time.Duration) *RedisWindow {
	return &RedisWindow{
		client: client,
		prefix: prefix,
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// Allow implements Limiter.
func (l *RedisWindow) Allow(ctx context.Context, key string) (Decision, error) {
	start := l.now().Truncate(l.window)
	k := l.prefix + key + ":" + strconv.FormatInt(start.Unix(), 10)

	var incr *redis.IntCmd
	if _, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.PExpire(ctx, k, l.window)
		return nil
	}); err != nil {
		return Decision{}, errors.Wrap(err, "redis incr")
	}

	n := int(incr.Val())
	return Decision{
		Allowed:   n <= l.max,
		Limit:     l.max,
		Remaining: max(0, l.max-n),
		ResetAt:   start.Add(l.window),
	}, nil
}

// KeyFunc selects the rate limit bucket of a request.
type KeyFunc func(*http.Request) string

// RateLimit rejects requests over the limit with 429. Limiter errors let the
// request through.
func RateLimit(l Limiter, key KeyFunc) Middleware {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), key(r))
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				wait := math.Ceil(time.Until(d.ResetAt).Seconds())
				h.Set("Retry-After", strconv.Itoa(max(0, int(wait))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys requests by the first X-Forwarded-For hop, then X-Real-IP,
// then the connection address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
