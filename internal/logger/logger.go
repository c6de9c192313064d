// Package logger builds the process-wide structured logger.
//
// Standard output is reserved for the line-delimited JSON transport, so
// unlike a typical CLI tool every log line goes to stderr (and, optionally,
// a mirrored file).
package logger

import (
	"io"
	"log/slog"
	"os"
)

// New builds a *slog.Logger writing to stderr and, if logFile is non-empty,
// also appending to logFile. level is one of "debug", "info", "warn", "error".
func New(level string, logFile string) (*slog.Logger, error) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	writers := []io.Writer{os.Stderr}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	return slog.New(handler), nil
}
