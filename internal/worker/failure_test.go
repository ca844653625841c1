package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"upscale-worker/internal/config"
	"upscale-worker/internal/models"
	"upscale-worker/internal/upscale"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Fault
	}{
		{"wrapped sentinel", fmt.Errorf("process: %w", upscale.ErrOutOfMemory), FaultFatal},
		{"allocator text", errors.New("CUDA out of memory. Tried to allocate 2.00 GiB"), FaultFatal},
		{"network", errors.New("dial tcp: connection refused"), FaultTransient},
		{"panic", &panicError{value: "boom"}, FaultTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestExitErrorUnwraps(t *testing.T) {
	err := &ExitError{Code: ExitOutOfMemory, Reason: "out of memory", Err: upscale.ErrOutOfMemory}
	assert.ErrorIs(t, err, upscale.ErrOutOfMemory)
	assert.Equal(t, "exit 137 (out of memory): out of memory", err.Error())
	assert.Equal(t, "exit 0 (queue empty)", (&ExitError{Reason: "queue empty"}).Error())
}

func TestDiagnosticIncludesJobAndStack(t *testing.T) {
	job := models.Job{ID: 4, Prompt: "cat.png", Selector: "a100", Errors: 2}
	msg := diagnostic(job, "gpu-1", fmt.Errorf("cycle: %w", &panicError{value: "nil map", stack: []byte("goroutine 1 [running]:")}))

	assert.True(t, strings.HasPrefix(msg, `job 4 failed on gpu-1 (prompt="cat.png" selector="a100" errors=2)`))
	assert.Contains(t, msg, "panic: nil map")
	assert.Contains(t, msg, "goroutine 1 [running]:")
}

func TestStackErrorKeepsCauseAndStack(t *testing.T) {
	err := &stackError{err: fmt.Errorf("process: %w", upscale.ErrOutOfMemory), stack: []byte("goroutine 9 [running]:")}

	assert.ErrorIs(t, err, upscale.ErrOutOfMemory)
	assert.Equal(t, FaultFatal, Classify(err))
	assert.Equal(t, "process: "+upscale.ErrOutOfMemory.Error(), err.Error())

	msg := diagnostic(models.Job{ID: 1}, "gpu-1", err)
	assert.Contains(t, msg, "goroutine 9 [running]:")
}

func TestIdleModeFrom(t *testing.T) {
	cases := []struct {
		name           string
		poweroff, exit config.Flag
		want           IdleMode
	}{
		{"neither", false, false, IdleWait},
		{"exit", false, true, IdleExit},
		{"poweroff", true, false, IdlePowerOff},
		{"poweroff wins", true, true, IdlePowerOff},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IdleModeFrom(config.Config{PowerOff: tc.poweroff, Exit: tc.exit}))
		})
	}
}

func TestIdleMessagesDropPaidWhenFree(t *testing.T) {
	assert.Contains(t, exitMessage("gpu-1", false), "paid ")
	assert.NotContains(t, exitMessage("gpu-1", true), "paid")
	assert.NotContains(t, powerOffMessage("gpu-1", true), "paid")
	assert.True(t, strings.HasSuffix(startMessage("gpu-1"), " gpu-1"))
}

type failingShutdowner struct{}

func (failingShutdowner) PowerOff(context.Context) error { return errors.New("sudo: a password is required") }

func TestIdlePowerOffFailureExitsNonZero(t *testing.T) {
	p := &IdlePolicy{Mode: IdlePowerOff, Host: "gpu-1", Shutdown: failingShutdowner{}}
	err := p.Apply(context.Background())

	var exitErr *ExitError
	if assert.ErrorAs(t, err, &exitErr) {
		assert.Equal(t, ExitFailure, exitErr.Code)
	}
}

func TestCommandShutdownerRequiresArgv(t *testing.T) {
	assert.Error(t, CommandShutdowner{}.PowerOff(context.Background()))
	assert.NoError(t, CommandShutdowner{Argv: []string{"true"}}.PowerOff(context.Background()))
}
