// Package logging wraps logrus with sqslocal's structured, per-component
// logger convention.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

const timeFormat = "2006-01-02 15:04:05"

var logger = logrus.NewEntry(logrus.New())

// Fields is a structured set of key/value pairs attached to a log entry.
type Fields logrus.Fields

// Init configures the global formatter/level and returns a component-scoped
// entry. Call once per process; subsequent components call WithFields
// instead to tag their own entries.
func Init(component string, level string) *logrus.Entry {
	formatter := &logrus.TextFormatter{}
	formatter.TimestampFormat = timeFormat
	formatter.FullTimestamp = true
	logrus.SetFormatter(formatter)
	logrus.SetOutput(os.Stdout)

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logger = logrus.WithFields(logrus.Fields{"component": component})
	return logger
}

// WithFields returns an entry scoped to the global logger plus fields.
func WithFields(fields Fields) *logrus.Entry {
	return logger.WithFields(logrus.Fields(fields))
}

// Error logs at error level on the global component logger.
func Error(args ...interface{}) {
	logger.Error(args...)
}

// Info logs at info level on the global component logger.
func Info(args ...interface{}) {
	logger.Info(args...)
}

// Debug logs at debug level on the global component logger.
func Debug(args ...interface{}) {
	logger.Debug(args...)
}
