package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"upscale-worker/internal/models"
)

// SQLite is a single-host lease store. Timestamps are stored as unix
// milliseconds so that lease comparisons are plain integer comparisons.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database at dsn, e.g. "file:prompts.db?_journal_mode=WAL".
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers in-process and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// sqliteNowMillis is SQLite's own clock as unix milliseconds.
const sqliteNowMillis = `CAST((julianday('now') - 2440587.5) * 86400000.0 AS INTEGER)`

func (s *SQLite) ReclaimExpired(ctx context.Context, lease time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE prompt_queue SET status = 'pending', assigned_at = NULL
		WHERE status = 'assigned' AND assigned_at < `+sqliteNowMillis+` - ?
	`, lease.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) OldestPending(ctx context.Context, selector string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM prompt_queue
		WHERE status = 'pending' AND (?1 = '' OR selector = ?1)
		ORDER BY signal_ts ASC, id ASC
		LIMIT 1
	`, selector).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select pending job: %w", err)
	}
	return id, true, nil
}

func (s *SQLite) Assign(ctx context.Context, id int64, host string) (models.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE prompt_queue SET status = 'assigned', assigned_at = `+sqliteNowMillis+`, hostname = ?
		WHERE id = ? AND status = 'pending'
		RETURNING `+jobColumns, host, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("assign job %d: %w", id, err)
	}
	return job, true, nil
}

func (s *SQLite) MarkUploading(ctx context.Context, id int64, host string, elapsed int, path string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE prompt_queue SET status = 'uploading', elapsed_gpu = ?, filepath = ?
		WHERE id = ? AND status = 'assigned' AND hostname = ?
	`, elapsed, path, id, host)
	if err != nil {
		return fmt.Errorf("mark job %d uploading: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("mark job %d uploading", id), ErrLeaseLost)
}

func (s *SQLite) MarkDone(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE prompt_queue SET status = 'done' WHERE id = ? AND status = 'uploading'
	`, id)
	if err != nil {
		return fmt.Errorf("mark job %d done: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("mark job %d done", id), ErrLeaseLost)
}

func (s *SQLite) IncrementErrors(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE prompt_queue SET errors = errors + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment errors for job %d: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("increment errors for job %d", id), ErrNotFound)
}

func (s *SQLite) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO prompt_queue (prompt, params, url, selector, status, signal_ts)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), 'pending', ?)
		RETURNING `+jobColumns, p.Prompt, p.Params, p.CallbackURL, p.Selector, p.signalTS().UnixMilli())
	job, err := scanSQLiteJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *SQLite) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM prompt_queue WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("get job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM prompt_queue GROUP BY status`)
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

func expectOne(res sql.Result, op string, sentinel error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, sentinel)
	}
	return nil
}

func scanSQLiteJob(row *sql.Row) (models.Job, error) {
	var (
		job        models.Job
		status     string
		url        sql.NullString
		selector   sql.NullString
		assignedAt sql.NullInt64
		hostname   sql.NullString
		elapsed    sql.NullInt64
		filepath   sql.NullString
		signalTS   int64
	)
	if err := row.Scan(&job.ID, &job.Prompt, &job.RawParams, &url, &selector, &status, &assignedAt,
		&hostname, &job.Errors, &elapsed, &filepath, &signalTS); err != nil {
		return models.Job{}, err
	}
	job.Status = models.Status(status)
	job.Params = models.ParseParams(job.RawParams)
	job.CallbackURL = url.String
	job.Selector = selector.String
	job.AssignedHost = hostname.String
	job.OutputPath = filepath.String
	job.ElapsedSeconds = int(elapsed.Int64)
	job.SignalTS = time.UnixMilli(signalTS).UTC()
	if assignedAt.Valid {
		t := time.UnixMilli(assignedAt.Int64).UTC()
		job.AssignedAt = &t
	}
	return job, nil
}
