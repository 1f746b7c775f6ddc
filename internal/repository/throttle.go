package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// claimJobRunSQL records a run of job $1 only if the previous one is at
// least $3 old. A returned row means the caller won the slot.
const claimJobRunSQL = `INSERT INTO job_runs (job, last_run_at) VALUES ($1, $2)
	ON CONFLICT (job) DO UPDATE SET last_run_at = EXCLUDED.last_run_at
	WHERE job_runs.last_run_at <= $2 - $3::interval
	RETURNING job`

// JobThrottle grants job runs through the job_runs table so every process
// sharing the database observes the same last-run timestamp.
type JobThrottle struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewJobThrottle returns a JobThrottle that uses the given pool.
func NewJobThrottle(pool *pgxpool.Pool) *JobThrottle {
	return &JobThrottle{pool: pool, now: time.Now}
}

// Allow atomically claims a run of job if none happened within interval.
func (t *JobThrottle) Allow(ctx context.Context, job string, interval time.Duration) (bool, error) {
	var claimed string
	err := t.pool.QueryRow(ctx, claimJobRunSQL, job, t.now(), interval).Scan(&claimed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("claiming run of job %q: %w", job, err)
	}
	return true, nil
}
