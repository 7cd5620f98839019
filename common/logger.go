package common

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Logger is common logging interface.
type Logger interface {
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

// make sure that LevelLogger implements Logger interface.
var _ Logger = (*LevelLogger)(nil)

// NewLoggerFromEnv returns a LevelLogger with the name prefix and
// severity based on the named environment variable or it
// falls back to LevelWarn if it's missing.
//
// It uses the standard log.Print function for output
// so it can be controlled via the exposed configuration methods.
func NewLoggerFromEnv(name, key string) *LevelLogger {
	lvl, err := ParseLogLevel(os.Getenv(key))
	if err != nil {
		lvl = LevelWarn
	}
	return NewLogger(name, lvl, log.Print)
}

// ParseLogLevel parses full or one-letter level names.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "e", "err", "error":
		return LevelError, nil
	case "w", "warn", "warning":
		return LevelWarn, nil
	case "i", "info":
		return LevelInfo, nil
	case "d", "debug":
		return LevelDebug, nil
	}
	return LevelWarn, fmt.Errorf("unknown log level %q", s)
}

// LogLevel is logging severity.
type LogLevel uint8

const (
	LevelError LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns log level string representation.
func (lvl LogLevel) String() string {
	switch lvl {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return ""
	}
}

// PrintFunc is used for writing logs that works as fmt.Print.
type PrintFunc func(v ...interface{})

// NewLogger creates a new leveled logger instance with the given parameters.
func NewLogger(name string, lvl LogLevel, print PrintFunc) *LevelLogger {
	l := &LevelLogger{name: name, print: print}
	l.lvl.Store(uint32(lvl))
	return l
}

// LevelLogger is a logger that supports log levels.
type LevelLogger struct {
	name  string
	lvl   atomic.Uint32
	print PrintFunc
}

func (l *LevelLogger) Errorf(format string, v ...interface{}) {
	l.logf(LevelError, format, v...)
}

func (l *LevelLogger) Infof(format string, v ...interface{}) {
	l.logf(LevelInfo, format, v...)
}

func (l *LevelLogger) Warnf(format string, v ...interface{}) {
	l.logf(LevelWarn, format, v...)
}

func (l *LevelLogger) Debugf(format string, v ...interface{}) {
	l.logf(LevelDebug, format, v...)
}

func (l *LevelLogger) logf(lvl LogLevel, format string, v ...interface{}) {
	if l.print != nil && lvl <= l.Level() {
		l.print(l.name, ": ", lvl.String(), " ", fmt.Sprintf(format, v...))
	}
}

// Level returns current logging level.
func (l *LevelLogger) Level() LogLevel {
	return LogLevel(l.lvl.Load())
}

// SetLevel changes logging level, it's safe to call concurrently with logging.
func (l *LevelLogger) SetLevel(lvl LogLevel) {
	l.lvl.Store(uint32(lvl))
}

// LevelSetter is implemented by loggers which level can be changed at runtime.
type LevelSetter interface {
	Level() LogLevel
	SetLevel(lvl LogLevel)
}

// NewSlogLogger adapts a structured logger to the Logger interface,
// records carry the component name as an attribute.
func NewSlogLogger(name string, l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l.With("component", name)}
}

type slogLogger struct {
	l *slog.Logger
}

func (s *slogLogger) Errorf(format string, v ...interface{}) {
	s.l.Log(context.Background(), slog.LevelError, fmt.Sprintf(format, v...))
}

func (s *slogLogger) Warnf(format string, v ...interface{}) {
	s.l.Log(context.Background(), slog.LevelWarn, fmt.Sprintf(format, v...))
}

func (s *slogLogger) Infof(format string, v ...interface{}) {
	s.l.Log(context.Background(), slog.LevelInfo, fmt.Sprintf(format, v...))
}

func (s *slogLogger) Debugf(format string, v ...interface{}) {
	s.l.Log(context.Background(), slog.LevelDebug, fmt.Sprintf(format, v...))
}
