// Package logger adapts logrus to the ports.Logger interface so services
// never import a logging library directly.
package logger

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

// LogrusLogger implements ports.Logger on top of a logrus logger.
type LogrusLogger struct {
	log *logrus.Logger
}

// New creates a logrus-backed logger writing to stderr at the given level.
func New(level string) *LogrusLogger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(ParseLevel(level))
	return &LogrusLogger{log: log}
}

// FromLogrus wraps an existing logrus logger, typically so the HTTP layer and
// the core services share one backend.
func FromLogrus(log *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{log: log}
}

// Underlying exposes the wrapped logrus logger for collaborators that take
// *logrus.Logger directly (gin handlers).
func (l *LogrusLogger) Underlying() *logrus.Logger {
	return l.log
}

// ParseLevel converts a level string to a logrus level, defaulting to Info.
func ParseLevel(levelStr string) logrus.Level {
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func (l *LogrusLogger) entry(fields ...map[string]interface{}) *logrus.Entry {
	if len(fields) > 0 && fields[0] != nil {
		return l.log.WithFields(logrus.Fields(fields[0]))
	}
	return logrus.NewEntry(l.log)
}

// Debug logs a message at Debug level.
func (l *LogrusLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.entry(fields...).Debug(msg)
}

// Info logs a message at Info level.
func (l *LogrusLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.entry(fields...).Info(msg)
}

// Warn logs a message at Warning level.
func (l *LogrusLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.entry(fields...).Warn(msg)
}

// Error logs an error message at Error level.
func (l *LogrusLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	entry := l.entry(fields...)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}
