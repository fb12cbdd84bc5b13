// Package logger provides component-scoped structured logging.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the logging surface used across the service.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	// Infow and Errorw attach structured fields.
	Infow(msg string, fields map[string]any)
	Errorw(msg string, fields map[string]any)
	With(component string) Logger
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any)         {}
func (NopLogger) Infof(string, ...any)          {}
func (NopLogger) Warnf(string, ...any)          {}
func (NopLogger) Errorf(string, ...any)         {}
func (NopLogger) Infow(string, map[string]any)  {}
func (NopLogger) Errorw(string, map[string]any) {}
func (n NopLogger) With(string) Logger          { return n }

type zlog struct {
	log zerolog.Logger
}

var (
	mu   sync.RWMutex
	root *zerolog.Logger
)

// Setup configures the process logger. APP_ENV=dev switches to a console writer.
func Setup(level string) {
	l := build(os.Stdout, level)
	mu.Lock()
	root = &l
	mu.Unlock()
}

func build(w io.Writer, level string) zerolog.Logger {
	if strings.ToLower(os.Getenv("APP_ENV")) == "dev" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// New returns a Logger tagged with component.
func New(component string) Logger {
	mu.RLock()
	r := root
	mu.RUnlock()
	if r == nil {
		Setup(os.Getenv("LOG_LEVEL"))
		mu.RLock()
		r = root
		mu.RUnlock()
	}
	return &zlog{log: r.With().Str("component", component).Logger()}
}

// NewWriter builds a Logger writing to w. Used by tests that inspect output.
func NewWriter(w io.Writer, component string) Logger {
	return &zlog{log: zerolog.New(w).With().Str("component", component).Logger()}
}

func (l *zlog) Debugf(format string, args ...any) { l.log.Debug().Msgf(format, args...) }
func (l *zlog) Infof(format string, args ...any)  { l.log.Info().Msgf(format, args...) }
func (l *zlog) Warnf(format string, args ...any)  { l.log.Warn().Msgf(format, args...) }
func (l *zlog) Errorf(format string, args ...any) { l.log.Error().Msgf(format, args...) }

func (l *zlog) Infow(msg string, fields map[string]any) {
	l.log.Info().Fields(fields).Msg(msg)
}

func (l *zlog) Errorw(msg string, fields map[string]any) {
	l.log.Error().Fields(fields).Msg(msg)
}

func (l *zlog) With(component string) Logger {
	return &zlog{log: l.log.With().Str("component", component).Logger()}
}
