// Package logger provides a structured logger shared by every query-index component.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so call sites depend on our own type rather
// than the third-party package directly.
type Logger struct {
	*logrus.Logger
}

// Config controls level, format and output destination.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePrefix string `mapstructure:"file_prefix"`
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePrefix == "" {
			cfg.FilePrefix = "queryindex"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			l.Errorf("failed to create logs directory: %v", err)
			break
		}
		path := filepath.Join(logDir, cfg.FilePrefix+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Errorf("failed to open log file: %v", err)
			break
		}
		l.SetOutput(io.MultiWriter(os.Stdout, f))
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// NewDefault builds a Logger at info level writing to stdout. The component
// name is informational only; pass it through WithField at call sites that
// want it attached to every line.
func NewDefault(component string) *Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(os.Stdout)
	return &Logger{Logger: l}
}

// WithField returns a new log entry carrying a field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new log entry carrying multiple fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
