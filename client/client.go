// Package client builds the full component set from a config.Config and links
// the pieces: one breaker guards every store call and is force-opened by the
// connection manager on configuration faults.
package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/unkn0wn-root/kvguard"
	"github.com/unkn0wn-root/kvguard/breaker"
	"github.com/unkn0wn-root/kvguard/cache"
	"github.com/unkn0wn-root/kvguard/config"
	"github.com/unkn0wn-root/kvguard/conn"
	"github.com/unkn0wn-root/kvguard/monitor"
	"github.com/unkn0wn-root/kvguard/ratelimit"
	"github.com/unkn0wn-root/kvguard/session"
	"go.opentelemetry.io/otel/trace"
)

type Client struct {
	Conn     *conn.Manager
	Breaker  *breaker.Breaker
	Cache    *cache.Cache
	Limiter  *ratelimit.Limiter
	Sessions *session.Manager
	Monitor  *monitor.Monitor

	cfg config.Config
	log kvguard.Logger
}

type settings struct {
	logger     kvguard.Logger
	hooks      kvguard.Hooks
	registerer prometheus.Registerer
	tracer     trace.Tracer
}

type Option func(*settings)

func WithLogger(l kvguard.Logger) Option { return func(s *settings) { s.logger = l } }

func WithHooks(h kvguard.Hooks) Option { return func(s *settings) { s.hooks = h } }

// WithRegisterer exports monitor and breaker metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *settings) { s.registerer = r }
}

func WithTracer(t trace.Tracer) Option { return func(s *settings) { s.tracer = t } }

// New validates cfg and builds every component. It makes one connection attempt
// bounded by ctx; a failure is logged, not returned, since every component
// degrades while the store is away. The monitor loop starts when
// cfg.Monitor.Interval is positive.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := settings{logger: kvguard.NopLogger{}, hooks: kvguard.NopHooks{}}
	for _, o := range opts {
		o(&s)
	}

	bc := cfg.Breaker.BreakerConfig()
	bc.Logger, bc.Hooks = s.logger, s.hooks
	br := breaker.New(bc)

	co := cfg.Redis.ConnOptions()
	co.Logger, co.Hooks, co.Faults = s.logger, s.hooks, br
	cm, err := conn.New(co)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	cc, err := cfg.Cache.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	ch, err := cache.New(cache.Options{
		Source:     cm,
		Breaker:    br,
		KeyRoot:    cfg.KeyRoot,
		Prefix:     cfg.Cache.Prefix,
		DefaultTTL: cfg.Cache.DefaultTTL,
		Codec:      cc,
		Logger:     s.logger,
		Hooks:      s.hooks,
		Tracer:     s.tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	lim, err := ratelimit.New(ratelimit.Options{
		Source:  cm,
		Breaker: br,
		KeyRoot: cfg.KeyRoot,
		Logger:  s.logger,
		Hooks:   s.hooks,
	})
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	sm, err := session.New(session.Options{
		Source:         cm,
		Breaker:        br,
		KeyRoot:        cfg.KeyRoot,
		TTL:            cfg.Session.TTL,
		JobCampaignTTL: cfg.Session.JobCampaignTTL,
		OAuthStateTTL:  cfg.Session.OAuthStateTTL,
		ActiveWindow:   cfg.Session.ActiveWindow,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	mon, err := monitor.New(monitor.Options{
		Source:      cm,
		Breaker:     br,
		HistorySize: cfg.Monitor.HistorySize,
		LatencyWarn: cfg.Monitor.LatencyWarn,
		ClientWarn:  cfg.Monitor.ClientWarn,
		Timeout:     cfg.Monitor.Timeout,
		Logger:      s.logger,
		Hooks:       s.hooks,
		Registerer:  s.registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	c := &Client{
		Conn:     cm,
		Breaker:  br,
		Cache:    ch,
		Limiter:  lim,
		Sessions: sm,
		Monitor:  mon,
		cfg:      cfg,
		log:      s.logger,
	}

	if _, err := cm.Client(ctx); err != nil {
		s.logger.Warn("store not reachable at startup; continuing degraded", kvguard.Fields{"err": err})
	}
	if cfg.Monitor.Interval > 0 {
		mon.Start(cfg.Monitor.Interval)
	}
	return c, nil
}

// RateLimitMiddleware applies the configured rate-limit policy. keyFunc may be nil
// for client IP + path.
func (c *Client) RateLimitMiddleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return ratelimit.Middleware(c.Limiter, ratelimit.MiddlewareOptions{
		Config:  c.cfg.RateLimit.LimitConfig(),
		KeyFunc: keyFunc,
	})
}

// CheckRateLimit runs the configured policy for identifier.
func (c *Client) CheckRateLimit(ctx context.Context, identifier string) ratelimit.Result {
	return c.Limiter.Check(ctx, identifier, c.cfg.RateLimit.LimitConfig())
}

// Close stops the monitor and shuts the connection down.
func (c *Client) Close(ctx context.Context) error {
	c.Monitor.Stop()
	if err := c.Conn.Close(ctx); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	c.log.Info("kvguard client closed", nil)
	return nil
}
