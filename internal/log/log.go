// Package log wraps charmbracelet/log for orc's internal diagnostics
// (state transitions, agent spawn/exit, broker polls) the way the
// teacher's internal/engine never needed to (it prints everything with
// bare fmt). Phase-transition and candidate-terminal-status lines
// required by specification §7 still go through direct fmt.Println to
// stdout — this logger is reserved for diagnostics, matching the
// teacher's run.go/status.go convention of separating user-facing
// command output from internal logging.
package log

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// New builds a styled logger writing to w, with the level controlled by
// ORC_LOG_LEVEL (debug, info, warn, error; defaults to info).
func New(w io.Writer) *charmlog.Logger {
	logger := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
	logger.SetLevel(levelFromEnv())
	return logger
}

// Default returns a logger writing to stderr, used by cmd/orc as the
// process-wide diagnostic logger.
func Default() *charmlog.Logger {
	return New(os.Stderr)
}

func levelFromEnv() charmlog.Level {
	switch os.Getenv("ORC_LOG_LEVEL") {
	case "debug":
		return charmlog.DebugLevel
	case "warn":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}
