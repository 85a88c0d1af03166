package zap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/kvguard"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Debug("dial", kvguard.Fields{"attempt": 1})
	l.Warn("fault", kvguard.Fields{"err": errors.New("boom"), "kind": "configuration"})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, int64(1), entries[0].ContextMap()["attempt"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	ctx := entries[1].ContextMap()
	assert.Equal(t, "boom", ctx["err"])
	assert.Equal(t, "configuration", ctx["kind"])
}

func TestNewNilIsNop(t *testing.T) {
	l := New(nil)
	assert.NotPanics(t, func() { l.Error("x", nil) })
}
