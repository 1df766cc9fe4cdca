// Package logging builds the loggers of the command line tools.
package logging

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing timestamped text to w. Only warnings and
// errors are shown unless verbose is set.
func New(w io.Writer, verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	SetVerbose(l, verbose)
	return l
}

// SetVerbose switches l between warning and debug level.
func SetVerbose(l *logrus.Logger, verbose bool) {
	if verbose {
		l.SetLevel(logrus.DebugLevel)
		return
	}
	l.SetLevel(logrus.WarnLevel)
}
