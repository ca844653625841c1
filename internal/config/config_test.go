package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LeaseDuration != 10*time.Minute {
		t.Fatalf("lease duration = %s", cfg.LeaseDuration)
	}
	if cfg.BackoffFloor != 60*time.Second || cfg.BackoffFactor != 1.5 || cfg.BackoffMax != 0 {
		t.Fatalf("backoff defaults = %s x%v max %s", cfg.BackoffFloor, cfg.BackoffFactor, cfg.BackoffMax)
	}
	if cfg.IdlePollInterval != 15*time.Second {
		t.Fatalf("idle poll = %s", cfg.IdlePollInterval)
	}
	if len(cfg.PowerOffCommand) != 2 || cfg.PowerOffCommand[1] != "poweroff" {
		t.Fatalf("poweroff command = %v", cfg.PowerOffCommand)
	}
	if cfg.PowerOff || cfg.Exit || cfg.Free {
		t.Fatalf("flags should default off")
	}
}

func TestLoadFlags(t *testing.T) {
	t.Setenv("POWEROFF", "yes")
	t.Setenv("EXIT", "0")
	t.Setenv("FREE", "1")
	t.Setenv("SELECTOR", "gpuA")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.PowerOff {
		t.Fatalf("POWEROFF=yes should be on")
	}
	if !cfg.Exit {
		t.Fatalf("EXIT=0 is set and should be on")
	}
	if !cfg.Free {
		t.Fatalf("FREE=1 should be on")
	}
	if cfg.Selector != "gpuA" {
		t.Fatalf("selector = %q", cfg.Selector)
	}
}

func TestFlagIsOnWhenNonEmpty(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"1", true},
		{"0", true},
		{"false", true},
		{"off", true},
		{" ", true},
	}
	for _, tc := range cases {
		var f Flag
		if err := f.UnmarshalText([]byte(tc.in)); err != nil {
			t.Fatalf("unmarshal %q: %v", tc.in, err)
		}
		if bool(f) != tc.want {
			t.Fatalf("Flag(%q) = %v, want %v", tc.in, f, tc.want)
		}
	}
}

func TestLoadRejectsShrinkingBackoff(t *testing.T) {
	t.Setenv("BACKOFF_FACTOR", "0.5")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for factor below 1")
	}
}

func TestIdentity(t *testing.T) {
	if got := (Config{WorkerID: "gpu-7"}).Identity(); got != "gpu-7" {
		t.Fatalf("identity = %q", got)
	}
	if got := (Config{}).Identity(); got == "" {
		t.Fatalf("identity should fall back to hostname or generated id")
	}
}
