// Package logger provides a small prefix-tagged leveled logger used by
// every component that owns a goroutine. Every Logger returned by New
// is an entry on one package-level logrus instance, so SetLevel
// changes the level of all of them process-wide.
package logger

import (
	"github.com/sirupsen/logrus"
)

// Logger is the interface every long-running component logs through.
type Logger interface {
	Debugln(args ...interface{})
	Infoln(args ...interface{})
	Warnln(args ...interface{})
	Errorln(args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type entry struct {
	*logrus.Entry
}

func (e entry) Debugln(args ...interface{}) { e.Entry.Debugln(args...) }
func (e entry) Infoln(args ...interface{})  { e.Entry.Infoln(args...) }
func (e entry) Warnln(args ...interface{})  { e.Entry.Warnln(args...) }
func (e entry) Errorln(args ...interface{}) { e.Entry.Errorln(args...) }

func (e entry) Debugf(format string, args ...interface{}) { e.Entry.Debugf(format, args...) }
func (e entry) Infof(format string, args ...interface{})  { e.Entry.Infof(format, args...) }
func (e entry) Warnf(format string, args ...interface{})  { e.Entry.Warnf(format, args...) }
func (e entry) Errorf(format string, args ...interface{}) { e.Entry.Errorf(format, args...) }

var base = logrus.New()

// SetLevel adjusts the minimum level emitted by every Logger returned
// from New. It corresponds to the client option minimumDiagnosticLevel.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// New returns a Logger tagged with prefix, e.g. "peer <- 1.2.3.4:2234"
// or "distributed".
func New(prefix string) Logger {
	return entry{base.WithField("component", prefix)}
}
