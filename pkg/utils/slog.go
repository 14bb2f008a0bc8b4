package utils

import (
	"context"
	"log/slog"
	"strings"
)

// ErrAttr wraps an error as a slog attribute.
func ErrAttr(err error) slog.Attr {
	return slog.Any("error", err)
}

// SlogWriter adapts line-oriented writers (such as the loggers the paho
// client expects) to a slog.Logger. Each Write becomes one log record.
type SlogWriter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogWriter creates a SlogWriter that logs at Info level.
func NewSlogWriter(logger *slog.Logger) *SlogWriter {
	return NewSlogWriterLevel(logger, slog.LevelInfo)
}

// NewSlogWriterLevel creates a SlogWriter that logs at the given level.
func NewSlogWriterLevel(logger *slog.Logger, level slog.Level) *SlogWriter {
	return &SlogWriter{logger: logger, level: level}
}

func (w *SlogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		w.logger.Log(context.Background(), w.level, msg)
	}

	return len(p), nil
}
