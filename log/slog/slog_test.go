package slog

import (
	"bytes"
	"encoding/json"
	"errors"
	stdslog "log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/kvguard"
)

func TestLoggerWritesSortedAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := stdslog.NewJSONHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelDebug})
	l := Logger{L: stdslog.New(h)}

	l.Warn("breaker opened", kvguard.Fields{"failures": 5, "err": errors.New("i/o timeout")})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "breaker opened", rec["msg"])
	assert.Equal(t, "i/o timeout", rec["err"])
	assert.Equal(t, float64(5), rec["failures"])

	line := buf.String()
	assert.Less(t, bytes.Index([]byte(line), []byte(`"err"`)), bytes.Index([]byte(line), []byte(`"failures"`)))
}

func TestLoggerBelowLevelIsDropped(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{L: stdslog.New(stdslog.NewTextHandler(&buf, nil))}

	l.Debug("hidden", nil)
	assert.Zero(t, buf.Len())
}
