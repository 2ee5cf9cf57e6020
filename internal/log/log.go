// Package log provides the logging infrastructure shared by both binaries.
//
// Loggers are injected, never global: every component takes a log.Logger in its
// constructor and may scope it with logger.With("component", ...). Tests use
// NewNop or NewWithWriter to capture output.
package log

import (
	"io"
	"log/slog"
	"os"
)

// Logger is an alias for *slog.Logger so components depend on the standard
// library type without each package spelling out the pointer.
type Logger = *slog.Logger

// Config holds logger construction options.
type Config struct {
	// Level is the minimum level emitted. Defaults to slog.LevelInfo.
	Level slog.Level

	// JSON switches output to JSON; text otherwise.
	JSON bool

	// AddSource attaches file:line to every record.
	AddSource bool
}

// New builds a logger writing to stderr.
func New(cfg Config) Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter builds a logger writing to w. Used by tests to inspect output.
func NewWithWriter(w io.Writer, cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// NewNop returns a logger that discards everything. Test use only.
func NewNop() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
