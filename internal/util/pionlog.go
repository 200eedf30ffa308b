package util

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

// PionLoggerFactory routes pion's internal logs into the pterm logger.
// Trace and debug output is only emitted when debug logging is enabled.
type PionLoggerFactory struct{}

var _ logging.LoggerFactory = PionLoggerFactory{}

// NewLogger implements logging.LoggerFactory.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l *pionLogger) line(msg string) string {
	return fmt.Sprintf("[pion/%s] %s", l.scope, msg)
}

func (l *pionLogger) Trace(msg string) {
	if DebugEnabled() {
		pterm.DefaultLogger.Trace(l.line(msg))
	}
}

func (l *pionLogger) Tracef(format string, args ...interface{}) {
	l.Trace(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Debug(msg string) {
	if DebugEnabled() {
		pterm.DefaultLogger.Debug(l.line(msg))
	}
}

func (l *pionLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// pion is chatty at info level; demote it to debug.
func (l *pionLogger) Info(msg string) {
	l.Debug(msg)
}

func (l *pionLogger) Infof(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Warn(msg string) {
	pterm.DefaultLogger.Warn(l.line(msg))
}

func (l *pionLogger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Error(msg string) {
	pterm.DefaultLogger.Error(l.line(msg))
}

func (l *pionLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}
