// Package logging sets up the process logger: a text handler on stdout and,
// when a directory is configured, a rotating log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const fileName = "gnsshal.log"

type Config struct {
	Level slog.Level
	// Dir for the rotating log file. Empty disables file output.
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Console defaults to os.Stdout.
	Console io.Writer
	// Extra receives a copy of every record, e.g. the web log buffer.
	Extra io.Writer
}

func DefaultConfig() Config {
	return Config{
		Level:      slog.LevelInfo,
		MaxSizeMB:  20,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Compress:   true,
	}
}

// Setup builds the logger and installs it as slog's default. The returned
// function closes the log file.
func Setup(cfg Config) (*slog.Logger, func() error, error) {
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}
	writers := []io.Writer{console}
	closeFn := func() error { return nil }

	if dir := strings.TrimSpace(cfg.Dir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   filepath.Join(dir, fileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, lj)
		closeFn = lj.Close
	}
	if cfg.Extra != nil {
		writers = append(writers, cfg.Extra)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: cfg.Level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closeFn, nil
}

// ParseLevel accepts debug, info, warn/warning and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
