// Package logging configures the process-wide slog logger: JSON for
// machine-consumed output, tinted human-readable lines when writing to a
// terminal.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Options selects the handler and level.
type Options struct {
	// Level is debug, info, warn, or error. Empty means info.
	Level string
	// Format is json or text. Empty picks text when out is a terminal.
	Format string
}

// Setup builds a logger writing to out and installs it as slog's default.
func Setup(out *os.File, opts Options) *slog.Logger {
	level := parseLevel(opts.Level)

	format := strings.ToLower(opts.Format)
	if format == "" {
		if isTerminal(out) {
			format = "text"
		} else {
			format = "json"
		}
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(out),
		})
	default:
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// NewTestLogger returns a logger for tests that discards output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
