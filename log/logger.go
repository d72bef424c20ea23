// Package log provides the structured logger used across the module. It is a
// thin layer over logrus that carries loggers through contexts.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	sloglogrus "github.com/samber/slog-logrus/v2"
	"github.com/sirupsen/logrus"
)

// Fields is a set of structured log fields.
type Fields = logrus.Fields

// Logger provides a leveled-logging interface.
type Logger interface {
	// standard logger methods
	Print(args ...any)
	Printf(format string, args ...any)
	Println(args ...any)

	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Fatalln(args ...any)

	Panic(args ...any)
	Panicf(format string, args ...any)
	Panicln(args ...any)

	// Leveled methods, from logrus
	Debug(args ...any)
	Debugf(format string, args ...any)
	Debugln(args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)
	Errorln(args ...any)

	Info(args ...any)
	Infof(format string, args ...any)
	Infoln(args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)
	Warnln(args ...any)

	WithError(err error) *logrus.Entry
	WithField(key string, value any) *logrus.Entry
	WithFields(fields Fields) *logrus.Entry
}

type loggerKey struct{}

var defaultLogger Logger = logrus.StandardLogger().WithField("go.version", runtime.Version())

// SetDefault replaces the logger returned when a context carries none.
func SetDefault(l Logger) {
	defaultLogger = l
}

// WithLogger creates a new context with provided logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// WithContext returns ctx unchanged, or a background context when ctx is nil.
// It exists so call sites read as GetLogger(WithContext(ctx)).
func WithContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// GetLogger returns the logger from the current context, if present. If one
// or more keys are provided, they will be resolved on the context and included
// in the logger. Only use this function if specific context keys are required.
func GetLogger(ctx ...context.Context) Logger {
	if len(ctx) == 0 || ctx[0] == nil {
		return defaultLogger
	}
	if l, ok := ctx[0].Value(loggerKey{}).(Logger); ok {
		return l
	}
	return defaultLogger
}

// WithWriter returns a logger writing to w with the given level and
// formatter, used by the CLI and tests.
func WithWriter(w io.Writer, level logrus.Level, formatter logrus.Formatter) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	if formatter != nil {
		l.SetFormatter(formatter)
	}
	return logrus.NewEntry(l)
}

// ToLogrusEntry converts a Logger to the underlying logrus entry.
func ToLogrusEntry(l Logger) (*logrus.Entry, error) {
	switch v := l.(type) {
	case *logrus.Entry:
		return v, nil
	case *logrus.Logger:
		return logrus.NewEntry(v), nil
	default:
		return nil, fmt.Errorf("unsupported logger type %T", l)
	}
}

// Slog returns a slog.Logger writing through l. Migration callbacks receive
// loggers built this way so they do not depend on logrus.
func Slog(l Logger) (*slog.Logger, error) {
	entry, err := ToLogrusEntry(l)
	if err != nil {
		return nil, fmt.Errorf("converting logger to logrus.Entry: %w", err)
	}

	attrs := make([]any, 0, len(entry.Data)*2)
	for k, v := range entry.Data {
		attrs = append(attrs, k, v)
	}

	return slog.New(
		sloglogrus.Option{
			Level:  slog.LevelDebug,
			Logger: entry.Logger,
		}.NewLogrusHandler(),
	).With(attrs...), nil
}
