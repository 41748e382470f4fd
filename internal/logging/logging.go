// Package logging builds the process logger. Components take a
// logrus.FieldLogger and add their own fields.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to stderr at level in the given format
// ("text" or "json").
func New(level, format string) (*logrus.Logger, error) {
	return NewWithWriter(os.Stderr, level, format)
}

func NewWithWriter(w io.Writer, level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
