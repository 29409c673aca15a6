package obs

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger returns colored output for development environments and JSON
// everywhere else.
func NewLogger(env string) *slog.Logger {
	return NewLoggerTo(os.Stdout, env, slog.LevelInfo)
}

func NewLoggerTo(w io.Writer, env string, level slog.Level) *slog.Logger {
	if env == "development" || env == "dev" || env == "local" {
		handler := tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			AddSource:  true,
		})
		return slog.New(handler)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	return slog.New(handler)
}

// Or returns logger, or the process default when logger is nil.
func Or(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}
