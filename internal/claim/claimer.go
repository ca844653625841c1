// Package claim implements the lease protocol workers use to take exclusive
// ownership of a prompt_queue row.
//
// A claim is three store operations: reclaim leases older than the lease
// duration, pick the oldest pending row, and move that row to assigned with a
// status-guarded update. Only the last step needs to be atomic; losing the
// guard means another worker took the row and selection starts over.
//
// Lease age is measured by the store's clock, never the worker's, so workers
// with skewed clocks agree on which leases have expired.
package claim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"upscale-worker/internal/models"
	"upscale-worker/internal/telemetry"
)

// DefaultLease is how long an assignment stays exclusive.
const DefaultLease = 10 * time.Minute

// LeaseStore is the subset of the lease table the claimer needs.
type LeaseStore interface {
	ReclaimExpired(ctx context.Context, lease time.Duration) (int64, error)
	OldestPending(ctx context.Context, selector string) (int64, bool, error)
	Assign(ctx context.Context, id int64, host string) (models.Job, bool, error)
}

// Config tunes a Claimer. Zero values take defaults.
type Config struct {
	Lease time.Duration
	// Retries bounds how many times selection restarts after losing a race.
	Retries int
}

// Claimer hands out jobs to one worker identity at a time.
type Claimer struct {
	store   LeaseStore
	lease   time.Duration
	retries int
	log     *slog.Logger
}

// New builds a Claimer over st.
func New(st LeaseStore, cfg Config, log *slog.Logger) *Claimer {
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Claimer{
		store:   st,
		lease:   cfg.Lease,
		retries: cfg.Retries,
		log:     log,
	}
}

// Claim assigns the oldest eligible pending job to host. An empty selector
// matches every job. It returns nil with a nil error when nothing is
// eligible or every attempt lost its race.
func (c *Claimer) Claim(ctx context.Context, host, selector string) (*models.Job, error) {
	reclaimed, err := c.store.ReclaimExpired(ctx, c.lease)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if reclaimed > 0 {
		telemetry.LeasesReclaimed.Add(float64(reclaimed))
		c.log.Info("reclaimed expired leases", "count", reclaimed, "lease", c.lease)
	}

	for attempt := 1; attempt <= c.retries; attempt++ {
		id, ok, err := c.store.OldestPending(ctx, selector)
		if err != nil {
			return nil, fmt.Errorf("claim: %w", err)
		}
		if !ok {
			return nil, nil
		}
		job, ok, err := c.store.Assign(ctx, id, host)
		if err != nil {
			return nil, fmt.Errorf("claim: %w", err)
		}
		if ok {
			telemetry.Claims.Inc()
			return &job, nil
		}
		telemetry.ClaimRaces.Inc()
		c.log.Debug("lost claim race", "job_id", id, "attempt", attempt)
	}
	return nil, nil
}
