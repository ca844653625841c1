package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upscale-worker/internal/models"
)

func newSQLiteBackend(t *testing.T) *SQLite {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// leaseAger moves a lease's assigned_at back by d, as if it had been held
// that long by the database clock.
type leaseAger interface {
	Backend
	backdateLease(ctx context.Context, id int64, d time.Duration) error
}

func (s *SQLite) backdateLease(ctx context.Context, id int64, d time.Duration) error {
	_, err := s.db.ExecContext(ctx, `UPDATE prompt_queue SET assigned_at = assigned_at - ? WHERE id = ?`, d.Milliseconds(), id)
	return err
}

func (s *Postgres) backdateLease(ctx context.Context, id int64, d time.Duration) error {
	_, err := s.pool.Exec(ctx, `UPDATE prompt_queue SET assigned_at = assigned_at - $2::float8 * interval '1 second' WHERE id = $1`, id, d.Seconds())
	return err
}

// exerciseBackend checks the lease-table contract every driver must honor.
func exerciseBackend(t *testing.T, b leaseAger) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("oldest pending wins", func(t *testing.T) {
		second, err := b.Enqueue(ctx, EnqueueParams{Prompt: "second.png", SignalTS: base.Add(time.Second)})
		require.NoError(t, err)
		first, err := b.Enqueue(ctx, EnqueueParams{Prompt: "first.png", Params: `{"scale":2}`, SignalTS: base})
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, first.Status)
		assert.Len(t, first.Params, 1)

		id, ok, err := b.OldestPending(ctx, "")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.ID, id)

		job, ok, err := b.Assign(ctx, first.ID, "host-a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.StatusAssigned, job.Status)
		assert.Equal(t, "host-a", job.AssignedHost)
		require.NotNil(t, job.AssignedAt)
		assert.WithinDuration(t, time.Now(), *job.AssignedAt, 5*time.Minute, "assigned_at comes from the database clock")

		_, ok, err = b.Assign(ctx, first.ID, "host-b")
		require.NoError(t, err)
		assert.False(t, ok, "second assign of the same row must fail its guard")

		id, ok, err = b.OldestPending(ctx, "")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, second.ID, id)
	})

	t.Run("selector filter", func(t *testing.T) {
		tagged, err := b.Enqueue(ctx, EnqueueParams{Prompt: "tagged.png", Selector: "gpuA", SignalTS: base.Add(-time.Hour)})
		require.NoError(t, err)

		_, ok, err := b.OldestPending(ctx, "gpuB")
		require.NoError(t, err)
		assert.False(t, ok)

		id, ok, err := b.OldestPending(ctx, "gpuA")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, tagged.ID, id)
	})

	t.Run("reclaim expired and complete", func(t *testing.T) {
		job, err := b.Enqueue(ctx, EnqueueParams{Prompt: "lease.png", Selector: "lease", SignalTS: base})
		require.NoError(t, err)
		_, ok, err := b.Assign(ctx, job.ID, "crashed")
		require.NoError(t, err)
		require.True(t, ok)

		// Another worker's sweep must not touch a fresh lease, whatever its own clock says.
		_, err = b.ReclaimExpired(ctx, 10*time.Minute)
		require.NoError(t, err)
		_, ok, err = b.Assign(ctx, job.ID, "other")
		require.NoError(t, err)
		assert.False(t, ok, "fresh lease must stay with its holder")

		require.NoError(t, b.backdateLease(ctx, job.ID, 9*time.Minute))
		_, err = b.ReclaimExpired(ctx, 10*time.Minute)
		require.NoError(t, err)
		got, err := b.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAssigned, got.Status, "lease younger than the duration is still live")
		assert.Equal(t, "crashed", got.AssignedHost)

		require.NoError(t, b.backdateLease(ctx, job.ID, 2*time.Minute))
		n, err := b.ReclaimExpired(ctx, 10*time.Minute)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
		got, err = b.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Nil(t, got.AssignedAt)

		_, ok, err = b.Assign(ctx, job.ID, "healthy")
		require.NoError(t, err)
		require.True(t, ok)

		err = b.MarkUploading(ctx, job.ID, "crashed", 3, "results/x.png")
		assert.ErrorIs(t, err, ErrLeaseLost)

		require.NoError(t, b.IncrementErrors(ctx, job.ID))
		require.NoError(t, b.MarkUploading(ctx, job.ID, "healthy", 12, "results/lease.png_upsampled.png"))
		require.NoError(t, b.MarkDone(ctx, job.ID))
		assert.ErrorIs(t, b.MarkDone(ctx, job.ID), ErrLeaseLost)

		got, err = b.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDone, got.Status)
		assert.Equal(t, 12, got.ElapsedSeconds)
		assert.Equal(t, 1, got.Errors)
		assert.Equal(t, "results/lease.png_upsampled.png", got.OutputPath)
	})

	t.Run("missing rows", func(t *testing.T) {
		_, err := b.GetJob(ctx, 987654)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, b.IncrementErrors(ctx, 987654), ErrNotFound)
	})

	t.Run("counts", func(t *testing.T) {
		counts, err := b.CountByStatus(ctx)
		require.NoError(t, err)
		for _, st := range models.Statuses {
			_, ok := counts[st]
			assert.True(t, ok, "status %s missing from counts", st)
		}
		assert.Equal(t, int64(1), counts[models.StatusDone])
	})
}

func TestSQLiteBackend(t *testing.T) {
	exerciseBackend(t, newSQLiteBackend(t))
}

func TestSQLiteMalformedParams(t *testing.T) {
	s := newSQLiteBackend(t)
	job, err := s.Enqueue(context.Background(), EnqueueParams{Prompt: "cat.png", Params: "not json"})
	require.NoError(t, err)
	assert.Equal(t, "not json", job.RawParams)
	assert.Empty(t, job.Params)
	assert.NotNil(t, job.Params)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongo", "")
	assert.Error(t, err)
}
