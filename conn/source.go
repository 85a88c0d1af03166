package conn

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Source hands out the live client. Every component acquires the client through a
// Source immediately before issuing commands and never caches it.
type Source interface {
	Client(ctx context.Context) (redis.UniversalClient, error)
}

var _ Source = (*Manager)(nil)

type static struct{ c redis.UniversalClient }

// Static wraps a client whose lifecycle is owned elsewhere.
func Static(c redis.UniversalClient) Source { return static{c: c} }

func (s static) Client(context.Context) (redis.UniversalClient, error) { return s.c, nil }

// FaultSink is told about configuration faults; *breaker.Breaker implements it.
type FaultSink interface {
	OnConfigurationError()
}
