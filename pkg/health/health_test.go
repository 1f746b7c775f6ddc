package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

type probeBody struct {
	Status string
	Checks map[string]string
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) probeBody {
	t.Helper()
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	body := probeBody{Checks: map[string]string{}}
	err := jx.DecodeBytes(w.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			s, err := d.Str()
			body.Status = s
			return err
		case "checks":
			return d.Obj(func(d *jx.Decoder, name string) error {
				msg, err := d.Str()
				body.Checks[name] = msg
				return err
			})
		default:
			return d.Skip()
		}
	})
	require.NoError(t, err)
	return body
}

func serve(h http.HandlerFunc) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))
	return w
}

func runN(c *check, n int) {
	for range n {
		c.run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	h := New()
	h.Register(Liveness, "goroutines", passing)
	h.Register(Liveness, "db", failing("connection refused"))

	w := serve(h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, w.Code, "checks start healthy")
	assert.Equal(t, "ok", decodeBody(t, w).Status)

	runN(h.checks[Liveness][1], 2)
	assert.Equal(t, http.StatusOK, serve(h.LiveEndpoint).Code, "below failure threshold")

	runN(h.checks[Liveness][1], 1)
	w = serve(h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, map[string]string{"db": "connection refused"}, body.Checks)
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.Register(Readiness, "postgres", passing)

	w := serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decodeBody(t, w).Checks, "_readiness")
	assert.False(t, h.IsReady())

	h.SetReady(true)
	assert.Equal(t, http.StatusOK, serve(h.ReadyEndpoint).Code)
	assert.True(t, h.IsReady())

	h.Register(Readiness, "sweep", failing("stale"), WithThresholds(1, 1))
	runN(h.checks[Readiness][1], 1)
	assert.False(t, h.IsReady())
	w = serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, map[string]string{"sweep": "stale"}, decodeBody(t, w).Checks)

	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestCheckRecovery(t *testing.T) {
	var (
		mu   sync.Mutex
		fail = true
	)
	fn := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("down")
		}
		return nil
	}

	h := New()
	h.Register(Liveness, "flappy", fn, WithThresholds(2, 2))
	c := h.checks[Liveness][0]

	runN(c, 2)
	assert.False(t, c.healthy.Load())

	mu.Lock()
	fail = false
	mu.Unlock()

	runN(c, 1)
	assert.False(t, c.healthy.Load(), "one success is below the threshold")
	runN(c, 1)
	assert.True(t, c.healthy.Load())
}

func TestCheckTimeout(t *testing.T) {
	h := New()
	h.Register(Liveness, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(5*time.Millisecond), WithThresholds(1, 1))

	runN(h.checks[Liveness][0], 1)
	failures := h.failures(Liveness)
	assert.Contains(t, failures["slow"], "deadline exceeded")
}

func TestStartStop(t *testing.T) {
	h := New()
	h.Register(Readiness, "db", failing("down"), WithThresholds(1, 1))
	h.SetReady(true)

	h.Start(context.Background(), 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !h.IsReady() }, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
}

func TestNoChecks(t *testing.T) {
	h := New()
	assert.Equal(t, http.StatusOK, serve(h.LiveEndpoint).Code)

	h.SetReady(true)
	assert.Equal(t, http.StatusOK, serve(h.ReadyEndpoint).Code)
}

func TestGoroutineCountCheck(t *testing.T) {
	require.NoError(t, GoroutineCountCheck(100000)(context.Background()))
	require.Error(t, GoroutineCountCheck(0)(context.Background()))
}

func TestPingCheck(t *testing.T) {
	require.NoError(t, PingCheck(passing)(context.Background()))

	err := PingCheck(failing("refused"))(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestStalenessCheck(t *testing.T) {
	ctx := context.Background()

	never := func() time.Time { return time.Time{} }
	require.NoError(t, StalenessCheck(never, time.Hour, time.Hour)(ctx), "within grace")
	require.Error(t, StalenessCheck(never, time.Hour, -time.Second)(ctx), "grace elapsed")

	recent := func() time.Time { return time.Now().Add(-time.Minute) }
	require.NoError(t, StalenessCheck(recent, time.Hour, 0)(ctx))

	old := func() time.Time { return time.Now().Add(-3 * time.Hour) }
	err := StalenessCheck(old, 2*time.Hour, 0)(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 2h0m0s")
}
