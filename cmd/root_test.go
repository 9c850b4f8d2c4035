// cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/sentryal/sentryal-insar/internal/config"
)

func newTestFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("database-url", "", "")
	fs.String("redis-url", "", "")
	fs.String("stream", "", "")
	fs.String("processor-url", "", "")
	fs.Int("concurrency", 0, "")
	fs.Int("max-attempts", 0, "")
	fs.Duration("fixed-delay", 0, "")
	fs.Duration("stale-after", 0, "")
	fs.Bool("sweep", false, "")
	return fs
}

func TestApplyFlagOverrides(t *testing.T) {
	t.Run("OnlySetFlagsOverride", func(t *testing.T) {
		cfg := config.Default()
		cfg.Redis.URL = "redis://from-env:6379"

		fs := newTestFlags()
		if err := fs.Parse([]string{"--max-attempts=7", "--fixed-delay=2s", "--stream=dispatch:v1:other"}); err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if err := applyFlagOverrides(fs, cfg); err != nil {
			t.Fatalf("applyFlagOverrides() error = %v", err)
		}

		if cfg.Dispatch.MaxAttempts != 7 {
			t.Errorf("MaxAttempts = %d, want 7", cfg.Dispatch.MaxAttempts)
		}
		if cfg.Dispatch.FixedDelay != 2*time.Second {
			t.Errorf("FixedDelay = %v, want 2s", cfg.Dispatch.FixedDelay)
		}
		if cfg.Redis.Stream != "dispatch:v1:other" {
			t.Errorf("Stream = %q, want dispatch:v1:other", cfg.Redis.Stream)
		}
		if cfg.Redis.URL != "redis://from-env:6379" {
			t.Errorf("Redis.URL = %q, unset flag must not override", cfg.Redis.URL)
		}
		if cfg.Worker.Concurrency != config.Default().Worker.Concurrency {
			t.Errorf("Concurrency = %d, unset flag must not override", cfg.Worker.Concurrency)
		}
	})

	t.Run("ConnectionFlags", func(t *testing.T) {
		cfg := config.Default()
		fs := newTestFlags()
		args := []string{
			"--database-url=postgres://localhost/sentryal",
			"--redis-url=redis://cache:6379",
			"--processor-url=http://processor:9000",
			"--concurrency=12",
			"--stale-after=3m",
		}
		if err := fs.Parse(args); err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if err := applyFlagOverrides(fs, cfg); err != nil {
			t.Fatalf("applyFlagOverrides() error = %v", err)
		}
		if cfg.Database.DSN != "postgres://localhost/sentryal" {
			t.Errorf("DSN = %q", cfg.Database.DSN)
		}
		if cfg.Redis.URL != "redis://cache:6379" {
			t.Errorf("Redis.URL = %q", cfg.Redis.URL)
		}
		if cfg.Processor.URL != "http://processor:9000" {
			t.Errorf("Processor.URL = %q", cfg.Processor.URL)
		}
		if cfg.Worker.Concurrency != 12 {
			t.Errorf("Concurrency = %d, want 12", cfg.Worker.Concurrency)
		}
		if cfg.Sweep.StaleAfter != 3*time.Minute {
			t.Errorf("StaleAfter = %v, want 3m", cfg.Sweep.StaleAfter)
		}
	})

	t.Run("FlagsStillValidated", func(t *testing.T) {
		cfg := config.Default()
		fs := newTestFlags()
		if err := fs.Parse([]string{"--max-attempts=0"}); err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if err := applyFlagOverrides(fs, cfg); err != nil {
			t.Fatalf("applyFlagOverrides() error = %v", err)
		}
		if err := cfg.Validate(); !errors.Is(err, config.ErrInvalidMaxAttempts) {
			t.Errorf("Validate() error = %v, want ErrInvalidMaxAttempts", err)
		}
	})
}

func TestIgnoreCancel(t *testing.T) {
	if err := ignoreCancel(context.Canceled); err != nil {
		t.Errorf("ignoreCancel(Canceled) = %v, want nil", err)
	}
	wrapped := errors.New("boom")
	if err := ignoreCancel(wrapped); err != wrapped {
		t.Errorf("ignoreCancel(boom) = %v, want boom", err)
	}
	if err := ignoreCancel(nil); err != nil {
		t.Errorf("ignoreCancel(nil) = %v", err)
	}
}

func TestLastSeen(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		ts   string
		want string
	}{
		{"Recent", now.Add(-5 * time.Second).Format(time.RFC3339), "5.0s ago"},
		{"Minutes", now.Add(-90 * time.Second).Format(time.RFC3339), "1m30s ago"},
		{"Garbage", "yesterday", "-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lastSeen(tt.ts, now); got != tt.want {
				t.Errorf("lastSeen(%q) = %q, want %q", tt.ts, got, tt.want)
			}
		})
	}
}

func TestDeref(t *testing.T) {
	if got := deref(nil); got != "-" {
		t.Errorf("deref(nil) = %q, want -", got)
	}
	s := "ext-1"
	if got := deref(&s); got != "ext-1" {
		t.Errorf("deref(&s) = %q, want ext-1", got)
	}
}

func TestVersionLines(t *testing.T) {
	info := &debug.BuildInfo{
		GoVersion: "go1.25.5",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	lines := versionLines("1.4.0", info)
	if len(lines) != 3 {
		t.Fatalf("lines = %q, want 3", lines)
	}
	if lines[0] != "Sentryal version 1.4.0" {
		t.Errorf("lines[0] = %q", lines[0])
	}
	if lines[1] != "  Build:   go1.25.5, commit 0123456789ab-dirty" {
		t.Errorf("lines[1] = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "  Results: schema ") || !strings.Contains(lines[2], ">= 1.0") || !strings.Contains(lines[2], "< 3.0") {
		t.Errorf("lines[2] = %q, want both result schema ranges", lines[2])
	}

	if lines := versionLines("dev", nil); len(lines) != 2 {
		t.Errorf("without build info: lines = %q, want 2", lines)
	}
}

func TestWriteCompletion(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		t.Run(shell, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeCompletion(rootCmd, shell, &buf); err != nil {
				t.Fatalf("writeCompletion(%s) error = %v", shell, err)
			}
			if !strings.Contains(buf.String(), "sentryal") {
				t.Errorf("%s completion does not mention the sentryal command", shell)
			}
		})
	}
}
