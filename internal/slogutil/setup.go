// Package slogutil configures log/slog for the process: rotation through
// lumberjack, a runtime-adjustable level and context-carried attributes.
package slogutil

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/javi11/rarlink/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel converts a config level name into a slog.Level. Unknown names
// map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// SetupLogRotation builds the process logger. With an empty logConfig.File it
// logs to console only; otherwise it logs to both console and a rotated file.
// The returned leveler can be adjusted later when configuration changes.
func SetupLogRotation(logConfig config.LogConfig) (*slog.Logger, *DynamicLeveler) {
	var writer io.Writer = os.Stdout

	if logConfig.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   logConfig.File,
			MaxSize:    logConfig.MaxSize,    // MB
			MaxBackups: logConfig.MaxBackups, // number of old files
			MaxAge:     logConfig.MaxAge,     // days
			Compress:   logConfig.Compress,
		}
		writer = io.MultiWriter(os.Stdout, fileWriter)
	}

	leveler := NewDynamicLeveler(ParseLevel(logConfig.Level))

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: leveler,
	})

	return slog.New(WrapHandler(handler)), leveler
}
