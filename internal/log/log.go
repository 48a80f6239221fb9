// Package log builds the slog loggers used across wrench.
//
// Loggers are constructed once at startup and handed to components through
// their constructors; nothing in the codebase logs through a package-level
// default. Components that want scoped attributes call With on the logger
// they were given.
package log

import (
	"io"
	"log/slog"
	"os"
)

// Logger aliases *slog.Logger so call sites keep the full slog API without
// an interface wrapper in between.
type Logger = *slog.Logger

// Config selects handler behavior for New and NewWithWriter.
type Config struct {
	// Level is the minimum level emitted. Zero value is slog.LevelInfo.
	Level slog.Level

	// JSON selects the JSON handler instead of the text handler.
	JSON bool

	// AddSource includes the emitting file and line in each record.
	AddSource bool
}

// New returns a logger writing to os.Stderr.
func New(cfg Config) Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter returns a logger writing to w. Tests can pass a buffer to
// assert on output.
func NewWithWriter(w io.Writer, cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// NewNop returns a logger that drops every record. Test-only; production
// paths always construct a real handler.
func NewNop() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
