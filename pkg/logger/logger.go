// Package logger builds the process-wide zerolog.Logger used by every
// component. It centralizes the two knobs the rest of the codebase cares
// about: verbosity and whether output is colorized for a terminal or
// newline-delimited JSON for a log collector.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the root logger is constructed.
type Config struct {
	// Level is a zerolog level name: "debug", "info", "warn", "error".
	// Unknown or empty values fall back to "info".
	Level string
	// Pretty enables a human-readable console writer instead of JSON.
	// Intended for local development, not production deployments.
	Pretty bool
}

// New builds a root logger with a timestamp field and the requested
// level and format. Component-specific loggers should be derived from it
// with .With().Str("component", "...").Logger() rather than constructed
// independently, so every log line shares the same sink and format.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writer zerolog.LevelWriter
	if cfg.Pretty {
		writer = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		writer = zerolog.MultiLevelWriter(os.Stdout)
	}

	return zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()
}
