// Package logging builds the structured logger shared across the dispatcher,
// worker launcher and observers. There is no package-level singleton: callers
// construct one logger in main and pass it down via constructor injection,
// the same way the teacher eliminates colorer/options/sampler globals.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Options controls the logger's destination and verbosity.
type Options struct {
	Writer io.Writer
	Debug  bool
}

// New builds a slog.Logger writing structured text records. Debug enables
// Debug-level output; otherwise Info and above are logged.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// Nop returns a logger that discards everything, for tests that don't care
// about log output but still need to satisfy a constructor signature.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
