// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to stderr. level accepts logrus names and the
// upper-case names common in other tooling (INFO, WARNING, CRITICAL).
// format is "json" or "text".
func New(level, format string) (*logrus.Logger, error) {
	return NewWithOutput(os.Stderr, level, format)
}

func NewWithOutput(out io.Writer, level, format string) (*logrus.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return log, nil
}

func ParseLevel(level string) (logrus.Level, error) {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "":
		return logrus.InfoLevel, nil
	case "critical":
		return logrus.ErrorLevel, nil
	default:
		return logrus.ParseLevel(l)
	}
}

// Critical marks an entry as a condition the process cannot continue under.
func Critical(log logrus.FieldLogger) *logrus.Entry {
	return log.WithField("severity", "critical")
}
