package worker

import (
	"errors"
	"fmt"
	"strings"

	"upscale-worker/internal/models"
	"upscale-worker/internal/upscale"
)

// Fault is the retry class of a failed cycle.
type Fault int

const (
	// FaultTransient failures are recorded against the job and retried after backoff.
	FaultTransient Fault = iota
	// FaultFatal failures terminate the process.
	FaultFatal
)

func (f Fault) String() string {
	if f == FaultFatal {
		return "fatal"
	}
	return "transient"
}

// Classify maps a cycle error to its Fault. Only resource exhaustion is fatal.
func Classify(err error) Fault {
	if upscale.IsOutOfMemory(err) {
		return FaultFatal
	}
	return FaultTransient
}

// panicError carries a recovered panic and the stack it unwound from.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func (p *panicError) Stack() []byte { return p.stack }

// stackError attaches the goroutine stack to an ordinary cycle failure.
type stackError struct {
	err   error
	stack []byte
}

func (s *stackError) Error() string { return s.err.Error() }
func (s *stackError) Unwrap() error { return s.err }
func (s *stackError) Stack() []byte { return s.stack }

// diagnostic is the operator-facing failure report for job.
func diagnostic(job models.Job, host string, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %d failed on %s (prompt=%q selector=%q errors=%d)\n", job.ID, host, job.Prompt, job.Selector, job.Errors)
	fmt.Fprintf(&b, "%v", err)
	var traced interface{ Stack() []byte }
	if errors.As(err, &traced) {
		b.WriteString("\n")
		b.Write(traced.Stack())
	}
	return b.String()
}
