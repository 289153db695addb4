// Package logging holds the logrus helpers shared by every component.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// OrDiscard returns l, or a logger that writes nowhere when l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	return Discard()
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
