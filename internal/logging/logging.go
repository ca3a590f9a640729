// Package logging configures the slog loggers used across LiveUpdater.
// It normalizes level strings, picks a handler and scrubs secret attributes.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel normalizes a log level string into slog.Level.
// Unknown values return slog.LevelInfo with an error.
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
	switch s {
	case "":
		return slog.LevelInfo, nil
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// Options controls logger formatting and defaults.
// Writer defaults to stderr when not provided.
type Options struct {
	Level       string
	AddSource   bool
	JSON        bool
	Writer      io.Writer
	DefaultSlog bool
}

// secretKeys are attribute keys whose values never reach the log output.
var secretKeys = map[string]struct{}{
	"password":      {},
	"pass":          {},
	"secret":        {},
	"rcon_password": {},
	"private_key":   {},
	"key_pem":       {},
}

// New constructs a configured slog.Logger and returns its parsed level.
// When DefaultSlog is true, slog.SetDefault is called.
func New(opt Options) (*slog.Logger, slog.Level, error) {
	level, err := ParseLevel(opt.Level)
	if err != nil {
		return nil, 0, err
	}
	var w io.Writer = os.Stderr
	if opt.Writer != nil {
		w = opt.Writer
	}
	lo := &slog.HandlerOptions{
		Level:       level,
		AddSource:   opt.AddSource || level == slog.LevelDebug,
		ReplaceAttr: redact,
	}

	var h slog.Handler
	if opt.JSON {
		h = slog.NewJSONHandler(w, lo)
	} else {
		h = slog.NewTextHandler(w, lo)
	}
	lg := slog.New(h)
	if opt.DefaultSlog {
		slog.SetDefault(lg)
	}
	return lg, level, nil
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

// Component returns lg tagged with a component attribute, or a discarding
// logger when lg is nil.
func Component(lg *slog.Logger, name string) *slog.Logger {
	if lg == nil {
		return Discard()
	}
	return lg.With("component", name)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
