// Package remote runs store calls through the shared connection and breaker.
package remote

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/unkn0wn-root/kvguard/breaker"
	"github.com/unkn0wn-root/kvguard/conn"
)

// Fn is one unit of store work on an acquired client.
type Fn func(ctx context.Context, rdb redis.UniversalClient) error

// Do acquires the client from src and runs fn, guarded by b when b is non-nil.
// redis.Nil counts as a success for the breaker but is still returned.
func Do(ctx context.Context, src conn.Source, b *breaker.Breaker, fn Fn) error {
	var miss bool
	run := func(ctx context.Context) error {
		rdb, err := src.Client(ctx)
		if err != nil {
			return err
		}
		err = fn(ctx, rdb)
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		return err
	}

	var err error
	if b == nil {
		err = run(ctx)
	} else {
		err = b.Execute(ctx, run)
	}
	if err == nil && miss {
		return redis.Nil
	}
	return err
}
