package common

import (
	"log/slog"
	"os"
)

// PackageName is the metrics namespace and default service tag.
const PackageName = "pqsession"

// LoggingOpts configures the process-wide logger.
type LoggingOpts struct {
	// Debug lowers the log level to debug.
	Debug bool

	// JSON switches to JSON output.
	JSON bool

	// Service is added as a 'service' tag to all log messages.
	Service string

	// Version is added as a 'version' tag to all log messages.
	Version string
}

// SetupLogger creates the process logger and installs it as the slog
// default.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	var logLevel slog.Level
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}

	slog.SetDefault(logger)
	return logger
}
