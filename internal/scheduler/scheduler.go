// Package scheduler runs recurring background jobs independent of any
// request. Each job has its own ticker and an overlap guard: a tick that
// fires while the previous run is still in progress is skipped.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/xenking/kart-offers/internal/scheduler"

var (
	// ErrJobRunning is returned by RunNow when the job is already running.
	ErrJobRunning = errors.New("job is already running")
	// ErrUnknownJob is returned by RunNow for a name that was never added.
	ErrUnknownJob = errors.New("unknown job")
)

// Job is a recurring unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration
	// RunOnStart triggers a first run as soon as the scheduler starts.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

type jobState struct {
	Job
	running     atomic.Bool
	lastSuccess atomic.Int64
}

// Scheduler owns a set of jobs. Jobs must be added before Start.
type Scheduler struct {
	jobs   map[string]*jobState
	order  []*jobState
	wg     sync.WaitGroup
	tracer trace.Tracer

	runs     metric.Int64Counter
	skipped  metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a Scheduler reporting to the given providers.
func New(mp metric.MeterProvider, tp trace.TracerProvider) (*Scheduler, error) {
	meter := mp.Meter(instrumentationName)

	runs, err := meter.Int64Counter("scheduler.job.runs",
		metric.WithDescription("Completed job runs by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create runs counter")
	}
	skipped, err := meter.Int64Counter("scheduler.job.skipped",
		metric.WithDescription("Ticks skipped because the previous run was still in progress"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create skipped counter")
	}
	duration, err := meter.Float64Histogram("scheduler.job.duration",
		metric.WithDescription("Job run duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create duration histogram")
	}

	return &Scheduler{
		jobs:     make(map[string]*jobState),
		tracer:   tp.Tracer(instrumentationName),
		runs:     runs,
		skipped:  skipped,
		duration: duration,
	}, nil
}

// Add registers a job. It panics on a duplicate name or a non-positive
// interval, both of which are programming errors.
func (s *Scheduler) Add(job Job) {
	if job.Interval <= 0 {
		panic(fmt.Sprintf("scheduler: job %q has non-positive interval", job.Name))
	}
	if _, ok := s.jobs[job.Name]; ok {
		panic(fmt.Sprintf("scheduler: duplicate job %q", job.Name))
	}
	j := &jobState{Job: job}
	s.jobs[job.Name] = j
	s.order = append(s.order, j)
}

// Start launches every job loop. Loops stop when ctx is cancelled; call
// Wait to block until in-flight runs finish.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.order {
		zctx.From(ctx).Info("Scheduling job",
			zap.String("job", j.Name),
			zap.Duration("interval", j.Interval),
			zap.Bool("run_on_start", j.RunOnStart),
		)
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
}

// Wait blocks until all job loops and runs have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunNow runs the named job synchronously, honoring the overlap guard.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return errors.Wrap(ErrUnknownJob, name)
	}
	if !j.running.CompareAndSwap(false, true) {
		s.skip(ctx, j)
		return ErrJobRunning
	}
	defer j.running.Store(false)
	return s.execute(ctx, j)
}

// LastSuccess returns when the named job last completed without error, or
// the zero time if it never has.
func (s *Scheduler) LastSuccess(name string) time.Time {
	j, ok := s.jobs[name]
	if !ok {
		return time.Time{}
	}
	ns := j.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Scheduler) loop(ctx context.Context, j *jobState) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	if j.RunOnStart {
		s.tick(ctx, j)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, j)
		}
	}
}

// tick starts a run in the background unless one is in progress.
func (s *Scheduler) tick(ctx context.Context, j *jobState) {
	if !j.running.CompareAndSwap(false, true) {
		s.skip(ctx, j)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)
		// Errors are logged and counted inside execute.
		_ = s.execute(ctx, j)
	}()
}

func (s *Scheduler) skip(ctx context.Context, j *jobState) {
	zctx.From(ctx).Warn("Job still running, skipping tick", zap.String("job", j.Name))
	s.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("job", j.Name)))
}

func (s *Scheduler) execute(ctx context.Context, j *jobState) (err error) {
	ctx, span := s.tracer.Start(ctx, "scheduler."+j.Name,
		trace.WithAttributes(attribute.String("job", j.Name)),
	)
	defer span.End()

	ctx = zctx.With(ctx, zap.String("job", j.Name))
	lg := zctx.From(ctx)
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
			lg.Error("Job panicked", zap.Any("panic", r), zap.Stack("stack"))
		}

		elapsed := time.Since(start)
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			lg.Error("Job failed", zap.Error(err), zap.Duration("duration", elapsed))
		} else {
			j.lastSuccess.Store(time.Now().UnixNano())
			lg.Debug("Job completed", zap.Duration("duration", elapsed))
		}

		attrs := metric.WithAttributes(attribute.String("job", j.Name), attribute.String("result", result))
		s.runs.Add(ctx, 1, attrs)
		s.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("job", j.Name)))
	}()

	return j.Run(ctx)
}
