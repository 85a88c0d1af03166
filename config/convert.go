package config

import (
	"fmt"

	"github.com/unkn0wn-root/kvguard/breaker"
	"github.com/unkn0wn-root/kvguard/codec"
	"github.com/unkn0wn-root/kvguard/conn"
	"github.com/unkn0wn-root/kvguard/ratelimit"
)

// ConnOptions maps the store settings; logger, hooks and fault sink are left to
// the caller.
func (r Redis) ConnOptions() conn.Options {
	return conn.Options{
		URL:                r.URL,
		TLS:                r.TLS,
		Host:               r.Host,
		Port:               r.Port,
		Username:           r.Username,
		Password:           r.Password,
		DB:                 r.DB,
		ConnectTimeout:     r.ConnectTimeout,
		CommandTimeout:     r.CommandTimeout,
		KeepAlive:          r.KeepAlive,
		MaxRetries:         r.MaxRetries,
		OfflineQueue:       r.OfflineQueue,
		ExhaustionBackoff:  r.ExhaustionBackoff,
		ConfigErrorBackoff: r.ConfigErrorBackoff,
	}
}

func (b Breaker) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: b.FailureThreshold,
		RecoveryTimeout:  b.RecoveryTimeout,
	}
}

// NewCodec builds the configured value codec, size-limited when MaxValueBytes is set.
func (c Cache) NewCodec() (codec.Codec, error) {
	var cc codec.Codec
	switch c.Codec {
	case "", "json":
		cc = codec.JSON{}
	case "msgpack":
		cc = codec.Msgpack{}
	case "cbor":
		cb, err := codec.NewCBOR(true)
		if err != nil {
			return nil, err
		}
		cc = cb
	default:
		return nil, fmt.Errorf("config: unknown codec %q", c.Codec)
	}
	if c.MaxValueBytes > 0 {
		cc = codec.Limit{Inner: cc, MaxDecode: c.MaxValueBytes}
	}
	return cc, nil
}

func (r RateLimit) LimitConfig() ratelimit.Config {
	return ratelimit.Config{
		Window:                 r.Window,
		MaxRequests:            r.MaxRequests,
		SkipSuccessfulRequests: r.SkipSuccessfulRequests,
		SkipFailedRequests:     r.SkipFailedRequests,
	}
}
