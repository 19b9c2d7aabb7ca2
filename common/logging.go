// Package common contains shared service plumbing: logger construction
// and build metadata.
package common

import (
	"log/slog"
	"os"
)

// PackageName tags metrics and logs emitted by this service.
const PackageName = "enclave_bridge"

// Version is set at build time via -ldflags.
var Version = "dev"

// LoggingOpts configures the service logger.
type LoggingOpts struct {
	// Debug enables debug-level messages.
	Debug bool

	// JSON switches to JSON output (for log aggregation).
	JSON bool

	// Service is added as a 'service' tag to all messages.
	Service string

	// Version is added as a 'version' tag to all messages.
	Version string
}

// SetupLogger creates the process-wide slog logger. Every component
// receives a child of this logger through its constructor.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}
