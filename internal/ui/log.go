// internal/ui/log.go
package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Log levels understood by NewLogFn. Components emit these through their
// LogFn callbacks.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

var levelColors = map[string]*color.Color{
	LevelDebug:   color.New(color.FgHiBlack),
	LevelInfo:    color.New(color.FgBlue),
	LevelSuccess: color.New(color.FgGreen),
	LevelWarning: color.New(color.FgYellow),
	LevelError:   color.New(color.FgRed, color.Bold),
}

// NewLogFn returns a log callback that writes timestamped, colored lines to
// w. Debug lines are dropped unless verbose is set. Safe for concurrent use.
func NewLogFn(w io.Writer, verbose bool) func(level, msg string) {
	var mu sync.Mutex
	return func(level, msg string) {
		if level == LevelDebug && !verbose {
			return
		}
		c, ok := levelColors[level]
		if !ok {
			c = levelColors[LevelInfo]
		}
		stamp := color.HiBlackString(time.Now().Format("15:04:05.000"))
		label := c.Sprintf("%-7s", strings.ToUpper(level))

		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "%s %s %s\n", stamp, label, msg)
	}
}
