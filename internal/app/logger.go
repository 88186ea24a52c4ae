package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var logLevels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"":        slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger constructs a *slog.Logger writing to stdout. Supported levels are
// debug, info, warn and error; supported formats are text (default) and json.
func NewLogger(level, format string) (*slog.Logger, error) {
	return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		return nil, fmt.Errorf("unsupported log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	return slog.New(handler).With("component", "submit-action"), nil
}
