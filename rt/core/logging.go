package core

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

type Logger interface {
	DebugEnabled() bool
	SetDebug(enabled bool)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// DefaultLogger writes leveled, timestamped lines through charmbracelet/log.
type DefaultLogger struct {
	l *log.Logger
}

func NewDefaultLogger(prefix string, debug bool) *DefaultLogger {
	return NewLoggerTo(os.Stderr, prefix, debug)
}

func NewLoggerTo(w io.Writer, prefix string, debug bool) *DefaultLogger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          prefix,
	})
	l.SetLevel(log.InfoLevel)
	if debug {
		l.SetLevel(log.DebugLevel)
	}
	return &DefaultLogger{l: l}
}

// SetLevel accepts the level names used in config files ("debug", "info", "warn", "error").
func (d *DefaultLogger) SetLevel(name string) error {
	lvl, err := log.ParseLevel(strings.ToLower(name))
	if err != nil {
		return err
	}
	d.l.SetLevel(lvl)
	return nil
}

func (d *DefaultLogger) DebugEnabled() bool {
	return d.l.GetLevel() <= log.DebugLevel
}

func (d *DefaultLogger) SetDebug(enabled bool) {
	if enabled {
		d.l.SetLevel(log.DebugLevel)
		return
	}
	d.l.SetLevel(log.InfoLevel)
}

func (d *DefaultLogger) Debugf(format string, args ...any) { d.l.Debugf(format, args...) }
func (d *DefaultLogger) Infof(format string, args ...any)  { d.l.Infof(format, args...) }
func (d *DefaultLogger) Warnf(format string, args ...any)  { d.l.Warnf(format, args...) }
func (d *DefaultLogger) Errorf(format string, args ...any) { d.l.Errorf(format, args...) }

type nopLogger struct{}

func NewNopLogger() Logger { return &nopLogger{} }
func (n *nopLogger) DebugEnabled() bool                { return false }
func (n *nopLogger) SetDebug(enabled bool)             {}
func (n *nopLogger) Debugf(format string, args ...any) {}
func (n *nopLogger) Infof(format string, args ...any)  {}
func (n *nopLogger) Warnf(format string, args ...any)  {}
func (n *nopLogger) Errorf(format string, args ...any) {}
