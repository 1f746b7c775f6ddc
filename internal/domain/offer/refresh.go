package offer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// RefreshJob is the throttle key shared by every process that re-propagates
// offers.
const RefreshJob = "offer-refresh"

// probeInterval bounds how often one process consults the shared throttle
// from the request path.
const probeInterval = time.Minute

// Throttle grants at most one run of a named job per interval across every
// caller that shares its backing store. Allow records the run when it
// returns true.
type Throttle interface {
	Allow(ctx context.Context, job string, interval time.Duration) (bool, error)
}

// Refresher re-propagates all offer-bearing records at most once per
// interval, coordinated through a central Throttle.
type Refresher struct {
	propagator *Propagator
	throttle   Throttle
	interval   time.Duration

	running   atomic.Bool
	lastProbe atomic.Int64
	now       func() time.Time
}

// NewRefresher creates a Refresher that runs at most once per interval.
func NewRefresher(propagator *Propagator, throttle Throttle, interval time.Duration) *Refresher {
	return &Refresher{
		propagator: propagator,
		throttle:   throttle,
		interval:   interval,
		now:        time.Now,
	}
}

// MaybeRefresh runs a full refresh when the throttle grants it and reports
// whether it ran.
func (r *Refresher) MaybeRefresh(ctx context.Context) (bool, error) {
	ok, err := r.throttle.Allow(ctx, RefreshJob, r.interval)
	if err != nil {
		return false, errors.Wrap(err, "check refresh throttle")
	}
	if !ok {
		return false, nil
	}

	changed, err := r.propagator.RefreshAll(ctx)
	zctx.From(ctx).Info("Offer refresh completed",
		zap.Int("changed", changed),
		zap.Bool("failed", err != nil),
	)
	return true, err
}

// Run is the scheduler entry point for the refresh.
func (r *Refresher) Run(ctx context.Context) error {
	_, err := r.MaybeRefresh(ctx)
	return err
}

// Trigger starts MaybeRefresh in the background from a request path. The
// refresh outlives the request and never blocks it. Only one background
// refresh runs per process.
func (r *Refresher) Trigger(ctx context.Context) {
	now := r.now().UnixNano()
	last := r.lastProbe.Load()
	if now-last < int64(probeInterval) || !r.lastProbe.CompareAndSwap(last, now) {
		return
	}
	if !r.running.CompareAndSwap(false, true) {
		return
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		defer r.running.Store(false)
		if _, err := r.MaybeRefresh(bg); err != nil {
			zctx.From(bg).Warn("Background offer refresh failed", zap.Error(err))
		}
	}()
}
