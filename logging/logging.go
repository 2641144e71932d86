// Package logging builds the zerolog logger used across the engine and
// carries it through contexts.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Options configures New.
type Options struct {
	// Level is a zerolog level name (debug, info, warn, error). Empty means info.
	Level string
	// File, if set, receives a copy of every line. Opened in append mode.
	File string
	// Output replaces stdout. Tests use a buffer.
	Output io.Writer
}

// New returns a timestamped logger and a closer for the log file.
// The closer is a no-op when no file was opened.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	writers := []io.Writer{out}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().
		Logger()
	return logger, closer, nil
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// WithContext returns ctx carrying l with the given fields attached.
func WithContext(ctx context.Context, l zerolog.Logger, fields map[string]any) context.Context {
	if len(fields) > 0 {
		l = l.With().Fields(fields).Logger()
	}
	return l.WithContext(ctx)
}

// FromContext returns the logger stored in ctx, or fallback when there is none.
func FromContext(ctx context.Context, fallback *zerolog.Logger) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	// zerolog.Ctx returns a disabled logger when the context has none
	if l.GetLevel() == zerolog.Disabled {
		return fallback
	}
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
