// Package worker runs the single-job-at-a-time processing loop:
// claim → process → publish, with retry backoff and the idle and fatal exit
// policies.
//
// A transient failure leaves the row assigned to this host. It returns to
// pending only when a later claim reclaims the expired lease.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"upscale-worker/internal/config"
	"upscale-worker/internal/models"
	"upscale-worker/internal/telemetry"
	"upscale-worker/internal/upscale"
)

// State names a step of the per-job cycle.
type State int

const (
	StateIdle State = iota
	StateClaimed
	StateProcessing
	StatePublishing
	StateCompleting
	StateFailing
)

func (s State) String() string {
	switch s {
	case StateClaimed:
		return "claimed"
	case StateProcessing:
		return "processing"
	case StatePublishing:
		return "publishing"
	case StateCompleting:
		return "completing"
	case StateFailing:
		return "failing"
	default:
		return "idle"
	}
}

// Claimer hands out exclusive jobs.
type Claimer interface {
	Claim(ctx context.Context, host, selector string) (*models.Job, error)
}

// JobRecorder persists the status transitions the loop drives.
type JobRecorder interface {
	MarkUploading(ctx context.Context, id int64, host string, elapsed int, path string) error
	MarkDone(ctx context.Context, id int64) error
	IncrementErrors(ctx context.Context, id int64) error
}

// InputResolver materializes a job's input as a local file.
type InputResolver interface {
	Resolve(ctx context.Context, job models.Job, safePrompt string) (string, error)
}

// Processor is the expensive processing step.
type Processor interface {
	Process(ctx context.Context, req upscale.Request) (models.Result, error)
}

// Publisher ships a processed result.
type Publisher interface {
	Publish(ctx context.Context, res models.Result, job models.Job) error
}

// Deps are the collaborators a Loop drives.
type Deps struct {
	Claimer   Claimer
	Store     JobRecorder
	Inputs    InputResolver
	Processor Processor
	Publisher Publisher
	Notifier  Messenger
	Idle      *IdlePolicy
	// Sleep and Now default to the real clock.
	Sleep SleepFunc
	Now   func() time.Time
	// OnTransition, if set, observes every state change.
	OnTransition func(job models.Job, to State)
}

// Loop drives one worker identity.
type Loop struct {
	host      string
	selector  string
	resultDir string
	backoff   Backoff
	deps      Deps
	log       *slog.Logger
}

// New builds a loop for host from cfg.
func New(cfg config.Config, host string, deps Deps, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	if deps.Sleep == nil {
		deps.Sleep = Sleep
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Idle == nil {
		deps.Idle = NewIdlePolicy(cfg, host, deps.Notifier, log)
	}
	return &Loop{
		host:      host,
		selector:  cfg.Selector,
		resultDir: cfg.ResultDir,
		backoff:   NewBackoff(cfg.BackoffFloor, cfg.BackoffFactor, cfg.BackoffMax),
		deps:      deps,
		log:       log.With("host", host),
	}
}

// Backoff exposes the loop's current retry delay.
func (l *Loop) Backoff() time.Duration {
	return l.backoff.Current()
}

// Run loops until the idle policy or a fatal fault ends it, returning an
// *ExitError, or until ctx is cancelled while waiting. A job already claimed
// is always driven to completion or failure before ctx is checked.
func (l *Loop) Run(ctx context.Context) error {
	l.admin(ctx, startMessage(l.host))
	l.log.Info("worker loop started", "selector", l.selector, "idle_mode", l.deps.Idle.Mode, "backoff", l.backoff.Current())
	telemetry.BackoffGauge.Set(l.backoff.Current().Seconds())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := l.deps.Claimer.Claim(ctx, l.host, l.selector)
		if err != nil {
			l.log.Error("claim failed", "err", err)
			if err := l.wait(ctx); err != nil {
				return err
			}
			continue
		}
		if job == nil {
			telemetry.IdlePolls.Inc()
			if err := l.deps.Idle.Apply(ctx); err != nil {
				return err
			}
			continue
		}

		if err := l.handle(ctx, *job); err != nil {
			return err
		}
	}
}

func (l *Loop) handle(ctx context.Context, job models.Job) error {
	l.transition(job, StateClaimed)
	telemetry.InFlightGauge.Inc()
	artifact, err := l.cycle(context.WithoutCancel(ctx), job)
	telemetry.InFlightGauge.Dec()
	if err == nil {
		l.backoff.Reset()
		telemetry.BackoffGauge.Set(l.backoff.Current().Seconds())
		telemetry.WorkerSuccess.Inc()
		l.transition(job, StateIdle)
		return nil
	}
	l.discard(job, artifact)
	return l.fail(ctx, job, err)
}

// cycle runs Processing → Publishing → Completing for job. artifact is the
// local result path once processing has started, whether or not it exists.
func (l *Loop) cycle(ctx context.Context, job models.Job) (artifact string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
			return
		}
		if err != nil {
			err = &stackError{err: err, stack: debug.Stack()}
		}
	}()

	now := l.deps.Now()
	slug := job.Slug(now)

	l.transition(job, StateProcessing)
	input, err := l.deps.Inputs.Resolve(ctx, job, job.SafePrompt(now))
	if err != nil {
		return "", fmt.Errorf("resolve input: %w", err)
	}
	artifact = filepath.Join(l.resultDir, slug+".png")
	res, err := l.deps.Processor.Process(ctx, upscale.Request{
		InputPath:  input,
		OutputPath: artifact,
		Params:     job.Params,
	})
	if err != nil {
		return artifact, fmt.Errorf("process: %w", err)
	}
	if res.OutputPath != "" {
		artifact = res.OutputPath
	}
	res.Slug = slug
	telemetry.ProcessSeconds.Observe(float64(res.Elapsed))

	// Persist before publishing so a crash here leaves an uploading row.
	if err := l.deps.Store.MarkUploading(ctx, job.ID, l.host, res.Elapsed, res.OutputPath); err != nil {
		return artifact, err
	}
	l.transition(job, StatePublishing)
	start := time.Now()
	if err := l.deps.Publisher.Publish(ctx, res, job); err != nil {
		return artifact, fmt.Errorf("publish: %w", err)
	}

	l.transition(job, StateCompleting)
	if err := l.deps.Store.MarkDone(ctx, job.ID); err != nil {
		return artifact, err
	}
	l.log.Info("job done", "job_id", job.ID, "elapsed_gpu", res.Elapsed, "publish_time", time.Since(start))
	return artifact, nil
}

// discard removes the local result of a failed cycle. A retry produces a
// fresh slug, so nothing would ever reuse it.
func (l *Loop) discard(job models.Job, artifact string) {
	if artifact == "" {
		return
	}
	if err := os.Remove(artifact); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.log.Warn("remove failed artifact", "job_id", job.ID, "path", artifact, "err", err)
	}
}

// fail reports err and applies the retry policy. It returns non-nil only when
// the loop must stop.
func (l *Loop) fail(ctx context.Context, job models.Job, err error) error {
	l.transition(job, StateFailing)
	fault := Classify(err)
	report := diagnostic(job, l.host, err)
	l.log.Error("job failed", "job_id", job.ID, "fault", fault, "err", err)
	l.admin(ctx, report)

	if fault == FaultFatal {
		telemetry.WorkerFatal.Inc()
		return &ExitError{Code: ExitOutOfMemory, Reason: "out of memory", Err: err}
	}

	telemetry.WorkerFailures.Inc()
	if err := l.deps.Store.IncrementErrors(context.WithoutCancel(ctx), job.ID); err != nil {
		l.log.Error("record failure", "job_id", job.ID, "err", err)
	}
	if err := l.wait(ctx); err != nil {
		return err
	}
	l.transition(job, StateIdle)
	return nil
}

// wait sleeps for the current backoff and grows it.
func (l *Loop) wait(ctx context.Context) error {
	d := l.backoff.Next()
	telemetry.BackoffGauge.Set(l.backoff.Current().Seconds())
	l.log.Info("backing off", "sleep", d, "next", l.backoff.Current())
	return l.deps.Sleep(ctx, d)
}

func (l *Loop) admin(ctx context.Context, msg string) {
	if l.deps.Notifier == nil {
		return
	}
	if err := l.deps.Notifier.Admin(context.WithoutCancel(ctx), msg); err != nil {
		l.log.Warn("admin notification failed", "err", err)
	}
}

func (l *Loop) transition(job models.Job, to State) {
	l.log.Debug("state", "job_id", job.ID, "to", to)
	if l.deps.OnTransition != nil {
		l.deps.OnTransition(job, to)
	}
}
