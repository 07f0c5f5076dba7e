// Package logging provides the default types.Logger implementation used
// when a component is not handed one explicitly, wrapping logrus for
// structured, leveled output.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/qaul-go/meshcore/internal/types"
)

// Logger wraps a *logrus.Logger to satisfy types.Logger.
type Logger struct {
	*logrus.Logger
	fields logrus.Fields
}

// New builds a Logger writing to stderr with the given component name
// attached to every entry.
func New(component string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{
		Logger: l,
		fields: logrus.Fields{"component": component},
	}
}

// WithComponent returns a logger tagged with an additional component
// name, useful for sub-modules of a larger subsystem (e.g. a single
// neighbor's connection-module slice).
func (l *Logger) WithComponent(name string) *Logger {
	fields := logrus.Fields{}
	for k, v := range l.fields {
		fields[k] = v
	}
	fields["component"] = name
	return &Logger{Logger: l.Logger, fields: fields}
}

func (l *Logger) entry() *logrus.Entry {
	return l.Logger.WithFields(l.fields)
}

func (l *Logger) Info(v ...interface{})                 { l.entry().Info(v...) }
func (l *Logger) Infof(format string, v ...interface{})  { l.entry().Infof(format, v...) }
func (l *Logger) Warn(v ...interface{})                  { l.entry().Warn(v...) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.entry().Warnf(format, v...) }
func (l *Logger) Error(v ...interface{})                 { l.entry().Error(v...) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.entry().Errorf(format, v...) }
func (l *Logger) Debug(v ...interface{})                 { l.entry().Debug(v...) }
func (l *Logger) Debugf(format string, v ...interface{}) { l.entry().Debugf(format, v...) }
func (l *Logger) Fatal(v ...interface{})                 { l.entry().Fatal(v...) }
func (l *Logger) Fatalf(format string, v ...interface{}) { l.entry().Fatalf(format, v...) }

var _ types.Logger = (*Logger)(nil)

// Noop returns a Logger with output discarded, used by tests that don't
// want the default logging harness.
func Noop() *Logger {
	l := New("noop")
	l.SetOutput(io.Discard)
	return l
}
