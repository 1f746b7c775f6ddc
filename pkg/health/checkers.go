package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines exist.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// PingCheck adapts a connectivity probe such as pgxpool.Pool.Ping.
func PingCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// StalenessCheck fails when last reports a time older than maxAge. A zero
// time passes until grace has elapsed since the check was created.
func StalenessCheck(last func() time.Time, maxAge, grace time.Duration) CheckFunc {
	started := time.Now()
	return func(_ context.Context) error {
		t := last()
		if t.IsZero() {
			if time.Since(started) > grace {
				return errors.Errorf("never succeeded within %s of startup", grace)
			}
			return nil
		}
		if age := time.Since(t); age > maxAge {
			return errors.Errorf("last success %s ago exceeds %s", age.Round(time.Second), maxAge)
		}
		return nil
	}
}
