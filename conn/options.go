package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/unkn0wn-root/kvguard"
	"github.com/unkn0wn-root/kvguard/internal/util"
)

const (
	defaultHost               = "localhost"
	defaultPort               = 6379
	defaultConnectTimeout     = 10 * time.Second
	defaultCommandTimeout     = 5 * time.Second
	defaultKeepAlive          = 30 * time.Second
	defaultExhaustionBackoff  = 30 * time.Second
	defaultConfigErrorBackoff = 5 * time.Minute
)

// Options configures a Manager. When URL is set it wins over Host/Port/DB; the
// discrete Username/Password only fill what the URL leaves empty.
type Options struct {
	URL      string
	TLS      bool // forces TLS on a redis:// URL or discrete address
	Host     string
	Port     int
	Username string
	Password string
	DB       int

	// Upper bound for a full connect (dial + ping retries). 0 => 10s
	ConnectTimeout time.Duration
	// Per-command socket read/write timeout. 0 => 5s
	CommandTimeout time.Duration
	// TCP keepalive period. 0 => 30s
	KeepAlive time.Duration
	// Per-command retries inside the driver. 0 => driver default (3), negative disables.
	MaxRetries int

	// When false a held redial fails immediately. When true callers wait for the hold
	// to end, but never longer than ConnectTimeout.
	OfflineQueue bool

	// Redial hold after a resource-exhaustion fault. 0 => 30s
	ExhaustionBackoff time.Duration
	// Redial hold after a configuration fault. 0 => 5m
	ConfigErrorBackoff time.Duration

	Logger kvguard.Logger
	Hooks  kvguard.Hooks
	// Notified on configuration faults. Usually the circuit breaker.
	Faults FaultSink
}

func (o Options) withDefaults() Options {
	o.Host = util.Coalesce(o.Host, defaultHost)
	o.Port = util.Coalesce(o.Port, defaultPort)
	o.ConnectTimeout = util.Coalesce(o.ConnectTimeout, defaultConnectTimeout)
	o.CommandTimeout = util.Coalesce(o.CommandTimeout, defaultCommandTimeout)
	o.KeepAlive = util.Coalesce(o.KeepAlive, defaultKeepAlive)
	o.ExhaustionBackoff = util.Coalesce(o.ExhaustionBackoff, defaultExhaustionBackoff)
	o.ConfigErrorBackoff = util.Coalesce(o.ConfigErrorBackoff, defaultConfigErrorBackoff)
	o.Logger = util.Coalesce[kvguard.Logger](o.Logger, kvguard.NopLogger{})
	o.Hooks = util.Coalesce[kvguard.Hooks](o.Hooks, kvguard.NopHooks{})
	return o
}

// redisOptions builds the driver options. o must already carry defaults.
func (o Options) redisOptions() (*redis.Options, error) {
	var ro *redis.Options
	if o.URL != "" {
		parsed, err := redis.ParseURL(o.URL)
		if err != nil {
			return nil, err
		}
		ro = parsed
	} else {
		if o.Port < 0 || o.Port > 65535 {
			return nil, errors.New("port out of range: " + strconv.Itoa(o.Port))
		}
		ro = &redis.Options{
			Addr: net.JoinHostPort(o.Host, strconv.Itoa(o.Port)),
			DB:   o.DB,
		}
	}
	if ro.Username == "" {
		ro.Username = o.Username
	}
	if ro.Password == "" {
		ro.Password = o.Password
	}
	if o.TLS && ro.TLSConfig == nil {
		host, _, _ := net.SplitHostPort(ro.Addr)
		ro.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}

	ro.DialTimeout = o.ConnectTimeout
	ro.ReadTimeout = o.CommandTimeout
	ro.WriteTimeout = o.CommandTimeout
	ro.ContextTimeoutEnabled = true
	ro.MaxRetries = o.MaxRetries
	ro.Dialer = dialer(ro.TLSConfig, o.ConnectTimeout, o.KeepAlive)
	return ro, nil
}

// dialer replaces the driver's so keepalive is set explicitly. TLS has to be done
// here because the driver skips its own TLS wrapping when a Dialer is supplied.
func dialer(tlsCfg *tls.Config, timeout, keepAlive time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: timeout, KeepAlive: keepAlive}
	if tlsCfg == nil {
		return nd.DialContext
	}
	td := &tls.Dialer{NetDialer: nd, Config: tlsCfg}
	return td.DialContext
}
