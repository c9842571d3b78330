package rulengine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// Logger is the engine-wide logging contract.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured-field support.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// FmtLogger is the fallback logger used when no external logger is wired.
type FmtLogger struct {
	out    io.Writer
	fields map[string]any
}

// NewFmtLogger constructs a fallback logger writing to stdout when out is nil.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{out: out}
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.log("TRACE", msg, args...) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg, args...) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args...) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args...) }
func (l *FmtLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args...) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.log("FATAL", msg, args...) }

func (l *FmtLogger) WithContext(_ context.Context) Logger { return l }

// WithFields returns a shallow copy carrying merged fields.
func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	if l == nil {
		return NewFmtLogger(nil)
	}
	cp := *l
	merged := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	cp.fields = merged
	return &cp
}

func (l *FmtLogger) log(level, msg string, args ...any) {
	if l == nil {
		l = NewFmtLogger(nil)
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	line := fmt.Sprintf("%s %-5s %s", time.Now().UTC().Format(time.RFC3339Nano), level, strings.TrimSpace(msg))
	if len(l.fields) > 0 {
		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			line += fmt.Sprintf(" %s=%v", k, l.fields[k])
		}
	}
	fmt.Fprintln(l.out, line)
}

// NormalizeLogger returns a usable logger, falling back to FmtLogger.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// LoggerWithFields attaches fields when the logger supports them.
func LoggerWithFields(logger Logger, fields map[string]any) Logger {
	logger = NormalizeLogger(logger)
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}
