// Package logging sets up the daemon's slog logger.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// New builds a text logger writing to out, plus the local syslog under tag
// when tag is not empty. Records reach syslog at the priority matching
// their level. The returned closer releases the syslog connection. The
// logger also becomes the slog and stdlib log default.
func New(out io.Writer, level slog.Level, tag string) (*slog.Logger, io.Closer, error) {
	var sys priorityWriter
	var closer io.Closer = nopCloser{}

	if tag != "" {
		sw, err := openSyslog(tag)
		if err != nil {
			return nil, nil, fmt.Errorf("open syslog: %w", err)
		}
		sys, closer = sw, sw
	}

	logger := slog.New(newHandler(out, level, sys))
	slog.SetDefault(logger)
	return logger, closer, nil
}

func newHandler(out io.Writer, level slog.Leveler, sys priorityWriter) slog.Handler {
	text := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	if sys == nil {
		return text
	}
	return fanout{text, newSyslogHandler(sys, level)}
}

// fanout passes each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
