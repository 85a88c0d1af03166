// Package zap adapts go.uber.org/zap to kvguard.Logger.
package zap

import (
	"sort"

	"github.com/unkn0wn-root/kvguard"
	"go.uber.org/zap"
)

// Logger wraps a *zap.Logger. Error-valued fields are emitted with zap.NamedError.
type Logger struct{ L *zap.Logger }

var _ kvguard.Logger = Logger{}

// New skips one caller frame so zap reports the kvguard call site. A nil logger
// yields a no-op.
func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Logger{L: l.WithOptions(zap.AddCallerSkip(1))}
}

func (z Logger) Debug(msg string, f kvguard.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f kvguard.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f kvguard.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f kvguard.Fields) { z.L.Error(msg, fields(f)...) }

func fields(f kvguard.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
