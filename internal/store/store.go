// Package store persists prompt_queue, the lease table shared by every worker.
// All cross-worker coordination goes through the conditional updates here.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"upscale-worker/internal/models"
)

var (
	// ErrNotFound is returned when no row has the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a status transition's guard fails because
	// the row is no longer in the state this worker left it in.
	ErrLeaseLost = errors.New("lease lost")
)

// EnqueueParams collects inputs required to insert a pending job.
type EnqueueParams struct {
	Prompt      string
	Params      string
	CallbackURL string
	Selector    string
	SignalTS    time.Time
}

// Backend is implemented by every lease store driver.
type Backend interface {
	// ReclaimExpired and Assign read the database clock, so lease age never
	// depends on which worker's host clock is asking.
	ReclaimExpired(ctx context.Context, lease time.Duration) (int64, error)
	OldestPending(ctx context.Context, selector string) (int64, bool, error)
	Assign(ctx context.Context, id int64, host string) (models.Job, bool, error)
	MarkUploading(ctx context.Context, id int64, host string, elapsed int, path string) error
	MarkDone(ctx context.Context, id int64) error
	IncrementErrors(ctx context.Context, id int64) error

	Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)

	Migrate(ctx context.Context) error
	Close()
}

// Open connects to the lease store selected by driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	switch driver {
	case "", "postgres", "pgx":
		return NewPostgres(ctx, dsn)
	case "sqlite", "sqlite3":
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func (p EnqueueParams) signalTS() time.Time {
	if p.SignalTS.IsZero() {
		return time.Now().UTC()
	}
	return p.SignalTS.UTC()
}
