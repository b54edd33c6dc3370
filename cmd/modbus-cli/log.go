package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// debugAdapter forwards transmission logs of the modbus package to slog.
type debugAdapter struct {
	*slog.Logger
}

func (log *debugAdapter) Printf(format string, args ...any) {
	log.Logger.Debug(fmt.Sprintf(format, args...))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// newLogger builds the logger described by cfg. The returned closer releases
// the log file, if any.
func newLogger(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.File == "" || cfg.File == "-" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return slog.New(slog.NewTextHandler(f, opts)), f, nil
}
