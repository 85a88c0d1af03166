package sloghooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/kvguard"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	RateLimitedEvery   uint64
	HealthCheckedEvery uint64
	// Optional identifier/key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	rateLimitedCtr atomic.Uint64
	healthCtr      atomic.Uint64
}

var _ kvguard.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) ConnStateChanged(from, to string) {
	if h.l == nil {
		return
	}
	h.l.Info("kvguard.conn_state",
		"from", from,
		"to", to)
}

func (h *Hooks) ConnFault(kind kvguard.FaultKind, err error) {
	if h.l == nil {
		return
	}
	level := slog.LevelWarn
	if kind == kvguard.FaultConfiguration {
		level = slog.LevelError
	}
	h.l.Log(context.Background(), level, "kvguard.conn_fault",
		"kind", kind.String(),
		"err", err)
}

func (h *Hooks) BreakerStateChanged(from, to string) {
	if h.l == nil {
		return
	}
	h.l.Warn("kvguard.breaker_state",
		"from", from,
		"to", to)
}

func (h *Hooks) RateLimited(identifier string, hits, limit int64) {
	if h.l == nil || !sample(h.opts.RateLimitedEvery, &h.rateLimitedCtr) {
		return
	}
	h.l.Info("kvguard.rate_limited",
		"id", h.redact(identifier),
		"hits", hits,
		"limit", limit)
}

func (h *Hooks) CacheDecodeError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("kvguard.cache_decode_error",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) HealthChecked(ok bool, latency time.Duration) {
	if h.l == nil || !sample(h.opts.HealthCheckedEvery, &h.healthCtr) {
		return
	}
	h.l.Debug("kvguard.health",
		"ok", ok,
		"latency", latency)
}
