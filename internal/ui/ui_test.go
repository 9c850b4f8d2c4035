// internal/ui/ui_test.go
package ui

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
)

func disableColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestNewLogFn(t *testing.T) {
	disableColor(t)

	tests := []struct {
		name    string
		verbose bool
		level   string
		want    string
	}{
		{name: "info", level: LevelInfo, want: "INFO    job accepted"},
		{name: "warning", level: LevelWarning, want: "WARNING job accepted"},
		{name: "unknown level renders", level: "trace", want: "TRACE   job accepted"},
		{name: "debug hidden", level: LevelDebug, want: ""},
		{name: "debug verbose", verbose: true, level: LevelDebug, want: "DEBUG   job accepted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logFn := NewLogFn(&buf, tt.verbose)
			logFn(tt.level, "job accepted")

			got := buf.String()
			if tt.want == "" {
				if got != "" {
					t.Errorf("expected no output, got %q", got)
				}
				return
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("output %q does not contain %q", got, tt.want)
			}
			if !strings.HasSuffix(got, "\n") {
				t.Errorf("expected trailing newline, got %q", got)
			}
		})
	}
}

func TestNewLogFnConcurrent(t *testing.T) {
	disableColor(t)

	var buf bytes.Buffer
	logFn := NewLogFn(&buf, false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logFn(LevelInfo, "tick")
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("expected 20 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.HasSuffix(line, "INFO    tick") {
			t.Errorf("interleaved line %q", line)
		}
	}
}

func TestStatusLineTable(t *testing.T) {
	disableColor(t)

	var buf bytes.Buffer
	sl := NewStatusLine(&buf)
	sl.Table([]string{"ID", "STATUS"}, [][]string{
		{"a1", "PENDING"},
		{"longer-id", "FAILED"},
	})

	want := "ID         STATUS\n" +
		"a1         PENDING\n" +
		"longer-id  FAILED\n"
	if buf.String() != want {
		t.Errorf("table mismatch:\n got %q\nwant %q", buf.String(), want)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{1500 * time.Millisecond, "1.5s"},
		{59 * time.Second, "59.0s"},
		{3*time.Minute + 12*time.Second, "3m12s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
