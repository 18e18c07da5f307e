package syslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Global logger instance.
var L *Logger

func init() {
	L = New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	})
}

// New builds an info-level Logger writing to w.
func New(w io.Writer) *Logger {
	l := &Logger{level: zerolog.InfoLevel}
	l.SetOutput(w)
	return l
}

// SetOutput replaces the sink of the logger. Output written through w is
// raw zerolog JSON unless w is a zerolog.ConsoleWriter.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
	logger := zerolog.New(w).Level(l.level).With().Timestamp().Logger()
	l.zlog = &logger
}

// SetLevel sets the minimum level that is written. Unknown names fall back
// to info.
func (l *Logger) SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = lvl
	logger := zerolog.New(l.out).Level(lvl).With().Timestamp().Logger()
	l.zlog = &logger
}

// Error creates a new error-level LogEntry.
func (l *Logger) Error(err error) *LogEntry {
	return &LogEntry{
		Level:  "error",
		Err:    err,
		Fields: make(map[string]interface{}),
		logger: l,
	}
}

// Warn creates a new warning-level LogEntry.
func (l *Logger) Warn() *LogEntry {
	return &LogEntry{
		Level:  "warn",
		Fields: make(map[string]interface{}),
		logger: l,
	}
}

// Info creates a new info-level LogEntry.
func (l *Logger) Info() *LogEntry {
	return &LogEntry{
		Level:  "info",
		Fields: make(map[string]interface{}),
		logger: l,
	}
}

// Debug creates a new debug-level LogEntry.
func (l *Logger) Debug() *LogEntry {
	return &LogEntry{
		Level:  "debug",
		Fields: make(map[string]interface{}),
		logger: l,
	}
}

// WithMessage sets the log message.
func (e *LogEntry) WithMessage(msg string) *LogEntry {
	e.Message = msg
	return e
}

// WithField adds one key-value pair to the LogEntry.
func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.Fields[key] = value
	return e
}

// WithFields adds multiple key-value pairs to the LogEntry.
func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// Write finalizes the LogEntry and emits it. Writes are serialized so plain
// buffers can be used as sinks.
func (e *LogEntry) Write() {
	e.logger.mu.Lock()
	defer e.logger.mu.Unlock()

	var event *zerolog.Event
	switch e.Level {
	case "debug":
		event = e.logger.zlog.Debug()
	case "warn":
		event = e.logger.zlog.Warn()
	case "error":
		event = e.logger.zlog.Error()
	default:
		event = e.logger.zlog.Info()
	}
	if e.Err != nil {
		event = event.Err(e.Err)
	}
	event.Fields(e.Fields).Msg(e.Message)
}
