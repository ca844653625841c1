package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"upscale-worker/internal/config"
)

// IdleMode is what the worker does when no job is eligible.
type IdleMode int

const (
	// IdleWait sleeps and polls again.
	IdleWait IdleMode = iota
	// IdleExit notifies and ends the process successfully.
	IdleExit
	// IdlePowerOff notifies and asks the host to shut down.
	IdlePowerOff
)

func (m IdleMode) String() string {
	switch m {
	case IdleExit:
		return "exit"
	case IdlePowerOff:
		return "poweroff"
	default:
		return "wait"
	}
}

// IdleModeFrom evaluates the idle flags, POWEROFF first, then EXIT.
func IdleModeFrom(cfg config.Config) IdleMode {
	switch {
	case bool(cfg.PowerOff):
		return IdlePowerOff
	case bool(cfg.Exit):
		return IdleExit
	default:
		return IdleWait
	}
}

// Shutdowner powers off the host.
type Shutdowner interface {
	PowerOff(ctx context.Context) error
}

// CommandShutdowner runs a shutdown command such as "sudo poweroff".
type CommandShutdowner struct {
	Argv []string
}

func (c CommandShutdowner) PowerOff(ctx context.Context) error {
	if len(c.Argv) == 0 {
		return errors.New("no poweroff command configured")
	}
	out, err := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %w: %s", c.Argv, err, out)
	}
	return nil
}

// Messenger sends operator notifications.
type Messenger interface {
	Admin(ctx context.Context, msg string) error
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IdlePolicy applies the configured IdleMode.
type IdlePolicy struct {
	Mode     IdleMode
	Interval time.Duration
	Host     string
	Free     bool
	Notifier Messenger
	Shutdown Shutdowner
	Sleep    SleepFunc
	Log      *slog.Logger
}

// NewIdlePolicy builds the policy described by cfg.
func NewIdlePolicy(cfg config.Config, host string, notifier Messenger, log *slog.Logger) *IdlePolicy {
	return &IdlePolicy{
		Mode:     IdleModeFrom(cfg),
		Interval: cfg.IdlePollInterval,
		Host:     host,
		Free:     bool(cfg.Free),
		Notifier: notifier,
		Shutdown: CommandShutdowner{Argv: cfg.PowerOffCommand},
		Sleep:    Sleep,
		Log:      log,
	}
}

// Apply returns nil when polling should resume, or an *ExitError when the
// process should end.
func (p *IdlePolicy) Apply(ctx context.Context) error {
	switch p.Mode {
	case IdlePowerOff:
		p.notify(ctx, powerOffMessage(p.Host, p.Free))
		if err := p.Shutdown.PowerOff(ctx); err != nil {
			return &ExitError{Code: ExitFailure, Reason: "poweroff failed", Err: err}
		}
		return &ExitError{Code: ExitOK, Reason: "poweroff requested"}
	case IdleExit:
		p.notify(ctx, exitMessage(p.Host, p.Free))
		return &ExitError{Code: ExitOK, Reason: "queue empty"}
	default:
		return p.Sleep(ctx, p.Interval)
	}
}

func (p *IdlePolicy) notify(ctx context.Context, msg string) {
	if p.Notifier == nil {
		return
	}
	if err := p.Notifier.Admin(ctx, msg); err != nil && p.Log != nil {
		p.Log.Warn("idle notification failed", "err", err)
	}
}

func tier(free bool) string {
	if free {
		return ""
	}
	return "paid "
}

func startMessage(host string) string {
	return "\U0001F3A8\U0001F477\U0001F97E " + host
}

func powerOffMessage(host string, free bool) string {
	return "\u274C" + tier(free) + "\U0001F5BC\U0001F477\u26A1\u2B07 " + host
}

func exitMessage(host string, free bool) string {
	return "\u274C" + tier(free) + "\U0001F5BC\U0001F477\U0001F4A4 " + host
}
