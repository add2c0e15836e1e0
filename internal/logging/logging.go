package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide slog logger and returns it tagged with
// service. format is "json" (default) or "text"; level is a slog level name
// such as "debug" or "warn" and defaults to info.
func Init(service, format, level string) *slog.Logger {
	var lvl slog.Level
	badLevel := level != "" && lvl.UnmarshalText([]byte(level)) != nil
	opts := &slog.HandlerOptions{Level: lvl}

	format = strings.ToLower(strings.TrimSpace(format))
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, using json", "format", format)
	}
	if badLevel {
		logger.Warn("unknown log level, using info", "level", level)
	}
	return logger
}
