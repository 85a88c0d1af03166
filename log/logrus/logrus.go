// Package logrus adapts sirupsen/logrus to kvguard.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/kvguard"
)

// Logger wraps a *logrus.Entry. An error stored under "err" is attached with
// WithError so formatters render it under logrus.ErrorKey.
type Logger struct{ E *logrus.Entry }

var _ kvguard.Logger = Logger{}

func New(l *logrus.Logger) Logger { return Logger{E: logrus.NewEntry(l)} }

func (l Logger) Debug(msg string, f kvguard.Fields) { l.entry(f).Debug(msg) }
func (l Logger) Info(msg string, f kvguard.Fields)  { l.entry(f).Info(msg) }
func (l Logger) Warn(msg string, f kvguard.Fields)  { l.entry(f).Warn(msg) }
func (l Logger) Error(msg string, f kvguard.Fields) { l.entry(f).Error(msg) }

func (l Logger) entry(f kvguard.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			out[logrus.ErrorKey] = err
			continue
		}
		out[k] = v
	}
	return l.E.WithFields(out)
}
