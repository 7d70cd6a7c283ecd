package main

import (
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// parseLevel maps a configured level to slog. The upper-case names of the
// add-on options (WARNING, CRITICAL) are accepted too.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger builds the JSON logger. With a log file set, output goes to the
// console and to a lumberjack-rotated file.
func newLogger(level, file string, console io.Writer) (*slog.Logger, io.Closer) {
	writer := console
	var closer io.Closer = nopCloser{}

	if file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		writer = io.MultiWriter(console, rotator)
		closer = rotator
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(handler), closer
}
