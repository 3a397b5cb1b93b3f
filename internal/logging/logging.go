// Package logging sets up the daemon's single logrus logger and provides the
// CRITICAL-prefixed helpers the error stream contract in spec section 7
// requires.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

const (
	criticalErrorPrefix = "[CM CRITICAL ERROR] "
	criticalInfoPrefix  = "[CM CRITICAL INFO] "
)

// New builds the process-wide logger. When stderr is attached to a terminal,
// output is routed through go-colorable so level coloring survives on a
// Linux console; otherwise it falls back to plain stderr.
func New(level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(level)
	log.SetOutput(stderrWriter())
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return log
}

func stderrWriter() io.Writer {
	if isTerminal(os.Stderr) {
		return colorable.NewColorable(os.Stderr)
	}

	return os.Stderr
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}

	return fi.Mode()&os.ModeCharDevice != 0
}

// Critical logs an unrecoverable-for-this-guest condition to the error
// stream, prefixed per spec section 7.
func Critical(log *logrus.Logger, fields logrus.Fields, format string, args ...interface{}) {
	log.WithFields(fields).Errorf(criticalErrorPrefix+format, args...)
}

// CriticalInfo logs a notable but non-error condition using the same
// prefix convention (spec section 7: "[CM CRITICAL INFO] for notices").
func CriticalInfo(log *logrus.Logger, fields logrus.Fields, format string, args ...interface{}) {
	log.WithFields(fields).Warnf(criticalInfoPrefix+format, args...)
}
