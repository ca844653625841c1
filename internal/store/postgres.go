package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"upscale-worker/internal/models"
)

const jobColumns = `id, prompt, params, url, selector, status, assigned_at, hostname, errors, elapsed_gpu, filepath, signal_ts`

// Postgres wraps pgxpool for prompt_queue persistence.
type Postgres struct {
	pool *pgxpool.Pool
	dsn  string
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, dsn: dsn}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ReclaimExpired returns assigned jobs whose lease is older than lease, by the
// server's now(), to pending and clears their assigned_at.
func (s *Postgres) ReclaimExpired(ctx context.Context, lease time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE prompt_queue SET status = 'pending', assigned_at = NULL
		WHERE status = 'assigned' AND assigned_at < now() - $1::float8 * interval '1 second'
	`, lease.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OldestPending returns the id of the earliest-arrived pending job. An empty
// selector matches every job.
func (s *Postgres) OldestPending(ctx context.Context, selector string) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM prompt_queue
		WHERE status = 'pending' AND ($1 = '' OR selector = $1)
		ORDER BY signal_ts ASC, id ASC
		LIMIT 1
	`, selector).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select pending job: %w", err)
	}
	return id, true, nil
}

// Assign moves job id from pending to assigned for host. ok is false when the
// row was not pending anymore, i.e. a concurrent claimer won.
func (s *Postgres) Assign(ctx context.Context, id int64, host string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE prompt_queue SET status = 'assigned', assigned_at = now(), hostname = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+jobColumns, id, host)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("assign job %d: %w", id, err)
	}
	return job, true, nil
}

// MarkUploading records the processing result while host still holds the lease.
func (s *Postgres) MarkUploading(ctx context.Context, id int64, host string, elapsed int, path string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE prompt_queue SET status = 'uploading', elapsed_gpu = $2, filepath = $3
		WHERE id = $1 AND status = 'assigned' AND hostname = $4
	`, id, elapsed, path, host)
	if err != nil {
		return fmt.Errorf("mark job %d uploading: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job %d uploading: %w", id, ErrLeaseLost)
	}
	return nil
}

// MarkDone transitions an uploading job to done.
func (s *Postgres) MarkDone(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE prompt_queue SET status = 'done' WHERE id = $1 AND status = 'uploading'
	`, id)
	if err != nil {
		return fmt.Errorf("mark job %d done: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job %d done: %w", id, ErrLeaseLost)
	}
	return nil
}

// IncrementErrors bumps the failure counter. Status is left untouched.
func (s *Postgres) IncrementErrors(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE prompt_queue SET errors = errors + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment errors for job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("increment errors for job %d: %w", id, ErrNotFound)
	}
	return nil
}

// Enqueue inserts a pending job.
func (s *Postgres) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO prompt_queue (prompt, params, url, selector, status, signal_ts)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), 'pending', $5)
		RETURNING `+jobColumns, p.Prompt, p.Params, p.CallbackURL, p.Selector, p.signalTS())
	job, err := scanPgJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM prompt_queue WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("get job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// CountByStatus returns the number of rows per status. Absent statuses count zero.
func (s *Postgres) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM prompt_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Status]int64, len(models.Statuses))
	for _, st := range models.Statuses {
		out[st] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[models.Status(status)] = n
	}
	return out, rows.Err()
}

func scanPgJob(row pgx.Row) (models.Job, error) {
	var (
		job        models.Job
		status     string
		url        pgtype.Text
		selector   pgtype.Text
		assignedAt pgtype.Timestamptz
		hostname   pgtype.Text
		elapsed    pgtype.Int4
		filepath   pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.Prompt, &job.RawParams, &url, &selector, &status, &assignedAt,
		&hostname, &job.Errors, &elapsed, &filepath, &job.SignalTS); err != nil {
		return models.Job{}, err
	}
	job.Status = models.Status(status)
	job.Params = models.ParseParams(job.RawParams)
	job.CallbackURL = url.String
	job.Selector = selector.String
	job.AssignedHost = hostname.String
	job.OutputPath = filepath.String
	if elapsed.Valid {
		job.ElapsedSeconds = int(elapsed.Int32)
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		job.AssignedAt = &t
	}
	return job, nil
}
