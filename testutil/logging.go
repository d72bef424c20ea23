package testutil

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/tigrisdata/bbm/log"
)

type logWriterType struct {
	t testing.TB
}

func (l logWriterType) Write(p []byte) (n int, err error) {
	l.t.Log(string(p))
	return len(p), nil
}

type opts func(l *logrus.Entry)

func WithLogLevel(ll string) func(l *logrus.Entry) {
	return func(l *logrus.Entry) {
		lvl, err := logrus.ParseLevel(ll)
		if err != nil {
			lvl = logrus.DebugLevel
		}
		l.Logger.Level = lvl
	}
}

// NewContextWithLogger returns a background context carrying a logger that writes through tb.
func NewContextWithLogger(tb testing.TB, opts ...opts) context.Context {
	return log.WithLogger(context.Background(), NewTestLogger(tb, opts...))
}

func NewTestLogger(tb testing.TB, opts ...opts) log.Logger {
	logger := logrus.New().WithFields(
		logrus.Fields{
			"test": true,
		},
	)
	logger.Logger.Level = logrus.DebugLevel
	logger.Logger.SetOutput(logWriterType{t: tb})

	for _, opt := range opts {
		opt(logger)
	}

	return logger
}
