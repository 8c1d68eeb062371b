package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface shared by all homcc components. It is
// satisfied by *logrus.Logger as well as the entries returned by
// WithComponent.
type Logger interface {
	logrus.FieldLogger
	Writer() *io.PipeWriter
}

// New creates a root logger at the given level. verbose forces the debug
// level regardless of level.
func New(level string, verbose bool) (Logger, error) {
	log := logrus.New()

	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(parsed)

	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	return log, nil
}

// ParseLevel maps a config-file log level name onto a logrus level. The
// empty string defaults to info.
func ParseLevel(level string) (logrus.Level, error) {
	switch strings.ToUpper(level) {
	case "":
		return logrus.InfoLevel, nil
	case "DEBUG":
		return logrus.DebugLevel, nil
	case "INFO":
		return logrus.InfoLevel, nil
	case "WARNING", "WARN":
		return logrus.WarnLevel, nil
	case "ERROR":
		return logrus.ErrorLevel, nil
	case "CRITICAL", "FATAL":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// WithComponent derives a component-scoped logger.
func WithComponent(log Logger, component string) Logger {
	return log.WithField("component", component)
}
