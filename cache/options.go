package cache

import (
	"time"

	"github.com/unkn0wn-root/kvguard"
	"github.com/unkn0wn-root/kvguard/breaker"
	"github.com/unkn0wn-root/kvguard/codec"
	"github.com/unkn0wn-root/kvguard/conn"
	"go.opentelemetry.io/otel/trace"
)

const defaultTTL = time.Hour

type Options struct {
	// Required. Where the live client comes from.
	Source conn.Source

	// Optional. Guards every store call.
	Breaker *breaker.Breaker

	// Root for every key this cache writes (e.g. "app:prod:").
	KeyRoot string

	// Caller namespace appended after "cache:" (e.g. "user:").
	Prefix string

	// TTL used when a call gives none. 0 => 1h, negative => no expiry.
	DefaultTTL time.Duration

	// Value serializer. nil => codec.JSON
	Codec codec.Codec

	Logger kvguard.Logger
	Hooks  kvguard.Hooks

	// nil => the global otel tracer provider
	Tracer trace.Tracer
}

type callOptions struct {
	ttl    time.Duration
	codec  codec.Codec
	prefix *string
}

// Option adjusts a single call.
type Option func(*callOptions)

// WithTTL overrides the default TTL. ttl <= 0 stores without expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *callOptions) { o.ttl = ttl }
}

// Raw stores strings and byte slices as-is instead of serializing them.
func Raw() Option { return WithCodec(codec.Raw{}) }

// WithCodec overrides the cache codec for one call.
func WithCodec(c codec.Codec) Option {
	return func(o *callOptions) { o.codec = c }
}

// WithPrefix replaces the cache prefix for one call.
func WithPrefix(p string) Option {
	return func(o *callOptions) { o.prefix = &p }
}

func (c *Cache) resolve(opts []Option) callOptions {
	o := callOptions{ttl: c.ttl, codec: c.codec}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl < 0 {
		o.ttl = 0
	}
	if o.codec == nil {
		o.codec = c.codec
	}
	return o
}

func (c *Cache) keyFor(o callOptions, key string) string {
	if o.prefix != nil {
		return c.keys.Cache(*o.prefix, key)
	}
	return c.keys.Cache(c.prefix, key)
}
