// Package logging builds the logrus logger shared by every Lambda function.
// Output is JSON so CloudWatch Logs Insights can filter on fields.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

func New(level string) *logrus.Logger {
	return NewWithOutput(level, os.Stdout)
}

func NewWithOutput(level string, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Discard is used by tests and by components constructed without a logger.
func Discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
