package database

import "github.com/sirupsen/logrus"

// Logger is the seam adapters log through, so tests can silence them.
type Logger interface {
	Printf(format string, v ...any)
}

// FieldLogger routes adapter messages to logrus with a backend field.
type FieldLogger struct {
	Backend string
}

func (l FieldLogger) Printf(format string, v ...any) {
	logrus.WithField("backend", l.Backend).Infof(format, v...)
}

type NullLogger struct{}

func (NullLogger) Printf(format string, v ...any) {}
