package offer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubThrottle struct {
	allow bool
	err   error
	calls atomic.Int32
	job   atomic.Value
}

func (s *stubThrottle) Allow(_ context.Context, job string, _ time.Duration) (bool, error) {
	s.calls.Add(1)
	s.job.Store(job)
	return s.allow, s.err
}

func TestRefresher_MaybeRefresh(t *testing.T) {
	tests := []struct {
		name       string
		throttle   *stubThrottle
		wantRan    bool
		wantErr    bool
		wantOffers bool
	}{
		{
			name:       "allowed run propagates",
			throttle:   &stubThrottle{allow: true},
			wantRan:    true,
			wantOffers: true,
		},
		{
			name:     "throttled run does nothing",
			throttle: &stubThrottle{allow: false},
		},
		{
			name:     "throttle failure",
			throttle: &stubThrottle{err: errors.New("redis: connection refused")},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.db.addOffer(forProducts(percentOffer("pct", "20"), "p1"))
			r := NewRefresher(f.propagator, tt.throttle, time.Hour)

			ran, err := r.MaybeRefresh(context.Background())
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantRan, ran)
			assert.Equal(t, RefreshJob, tt.throttle.job.Load())
			assert.Equal(t, tt.wantOffers, !f.db.product("p1").Offer.IsZero())
		})
	}
}

func TestRefresher_Trigger(t *testing.T) {
	f := newFixture()
	f.db.addOffer(forProducts(percentOffer("pct", "20"), "p1"))
	throttle := &stubThrottle{allow: true}

	clock := fixedNow
	r := NewRefresher(f.propagator, throttle, time.Hour)
	r.now = func() time.Time { return clock }

	ctx, cancel := context.WithCancel(context.Background())
	r.Trigger(ctx)
	// The refresh must survive the end of the request.
	cancel()

	assert.Eventually(t, func() bool {
		return f.db.product("p1").Offer.OfferID == "pct" && !r.running.Load()
	}, time.Second, 5*time.Millisecond)

	// Probes within the interval are skipped without asking the throttle.
	r.Trigger(context.Background())
	assert.Equal(t, int32(1), throttle.calls.Load())
}
