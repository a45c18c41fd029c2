// Package logging wraps the process-wide logger. The data plane logs at
// debug level only; anything hotter than per-flow lifecycle events must stay
// out of the per-packet path.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = logrus.New()

func init() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)
}

// Level is the logging level.
type Level = logrus.Level

// Logging levels.
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// ParseLevel maps a config string to a level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown logging level %q", s)
}

// SetLevel sets the logging level.
func SetLevel(level Level) {
	logger.SetLevel(level)
}

// SetOutput sets the log output.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// IsDebug reports whether debug logging is enabled; callers use it to skip
// formatting work on the fast path.
func IsDebug() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}

// EnableFileLogging mirrors log output to a rotated file in addition to
// stdout.
func EnableFileLogging(path string, maxSizeMB, maxBackups, maxAgeDays int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotated))
	return nil
}

// WithFields creates a new structured entry.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// Debugf logs a debug message.
func Debugf(format string, args ...interface{}) { logger.Debugf(format, args...) }

// Infof logs an info message.
func Infof(format string, args ...interface{}) { logger.Infof(format, args...) }

// Warnf logs a warning message.
func Warnf(format string, args ...interface{}) { logger.Warnf(format, args...) }

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) { logger.Errorf(format, args...) }
