// Package hmlog provides the Logger interface used by every other
// package, and a default implementation backed by logrus, wrapping a
// structured logger instead of the standard library's log.Logger.
package hmlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is implemented by anything that can receive leveled, formatted
// log lines. Components depend on this interface, never on logrus
// directly, so tests can substitute a recording logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Default wraps a logrus.Entry to implement Logger, with an optional
// component field carried on every line.
type Default struct {
	entry *logrus.Entry
}

// New returns a Default logger tagging every line with component.
func New(component string) *Default {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.GetLevel())
	return &Default{entry: l.WithField("component", component)}
}

// NewFromLogrus wraps an existing logrus.Logger, used so the whole
// process shares one set of handlers/level/output while each component
// still gets its own component field.
func NewFromLogrus(base *logrus.Logger, component string) *Default {
	return &Default{entry: base.WithField("component", component)}
}

func (d *Default) Debugf(format string, args ...interface{}) { d.entry.Debugf(format, args...) }
func (d *Default) Infof(format string, args ...interface{})  { d.entry.Infof(format, args...) }
func (d *Default) Warnf(format string, args ...interface{})  { d.entry.Warnf(format, args...) }
func (d *Default) Errorf(format string, args ...interface{}) { d.entry.Errorf(format, args...) }

// SetLevel configures the process-wide verbosity, wired to --debug on
// both cmd/hm and cmd/hmtester.
func SetLevel(debug bool) {
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// Noop discards every line; useful in unit tests that do not want log
// noise but still need a Logger to satisfy a constructor.
type Noop struct{}

func (Noop) Debugf(string, ...interface{}) {}
func (Noop) Infof(string, ...interface{})  {}
func (Noop) Warnf(string, ...interface{})  {}
func (Noop) Errorf(string, ...interface{}) {}
