// Package xlog provides the verbosity-aware logger used across the core:
// 0 = quiet + progress bars, 1 = info, 2 = debug, 3 = trace. This is an
// external collaborator per spec.md (§1): the core only ever logs through
// the small Logger interface below.
package xlog

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the narrow surface the core needs; anything satisfying it
// (in practice *logrus.Entry / *logrus.Logger) can be passed in.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// New builds a *logrus.Logger at the verbosity level described in
// spec.md §6: 0 quiet (warnings/errors only, a progress bar carries
// visible feedback instead), 1 info, 2 debug, 3 trace.
func New(verbosity int) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch {
	case verbosity <= 0:
		l.SetLevel(logrus.WarnLevel)
	case verbosity == 1:
		l.SetLevel(logrus.InfoLevel)
	case verbosity == 2:
		l.SetLevel(logrus.DebugLevel)
	default:
		l.SetLevel(logrus.TraceLevel)
	}
	return l
}

// Discard returns a logger that drops everything, for tests that don't
// want log noise.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var _ Logger = (*logrus.Logger)(nil)
