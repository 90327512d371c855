package log

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used across the broker. It is satisfied by
// logrus entries so call sites can carry structured fields.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	WithFields(fields logrus.Fields) *logrus.Entry
	WithError(err error) *logrus.Entry
}

// Config controls the process logger.
type Config struct {
	Format string `yaml:"format"` // "text" or "json"
	Level  string `yaml:"level"`  // logrus level name
	Path   string `yaml:"path"`   // optional log file, stderr when empty
}

// GetLogger builds a logrus-backed Logger from config.
func GetLogger(conf *Config) (Logger, error) {
	l := logrus.New()

	switch conf.Format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, errors.Errorf("unknown log format: %s", conf.Format)
	}

	level := conf.Level
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "parse log level")
	}
	l.SetLevel(parsed)

	var out io.Writer = os.Stderr
	if conf.Path != "" {
		f, err := os.OpenFile(conf.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.Wrap(err, "open log file")
		}
		out = f
	}
	l.SetOutput(out)

	return l, nil
}

// Discard returns a Logger that drops everything. Used in tests.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
