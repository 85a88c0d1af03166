// Package config loads kvguard settings from YAML, then applies KVGUARD_*
// environment overrides and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "KVGUARD_"

type Config struct {
	// Root prepended to every key (e.g. "app:prod:").
	KeyRoot string `yaml:"key_root" env:"KEY_ROOT"`

	Redis     Redis     `yaml:"redis" envPrefix:"REDIS_"`
	Breaker   Breaker   `yaml:"breaker" envPrefix:"BREAKER_"`
	Cache     Cache     `yaml:"cache" envPrefix:"CACHE_"`
	Session   Session   `yaml:"session" envPrefix:"SESSION_"`
	RateLimit RateLimit `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Monitor   Monitor   `yaml:"monitor" envPrefix:"MONITOR_"`
}

// Redis is the store target. URL wins over the discrete fields.
type Redis struct {
	URL      string `yaml:"url" env:"URL" validate:"omitempty,url"`
	TLS      bool   `yaml:"tls" env:"TLS"`
	Host     string `yaml:"host" env:"HOST" validate:"required_without=URL"`
	Port     int    `yaml:"port" env:"PORT" validate:"gte=0,lte=65535"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB" validate:"gte=0"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT" validate:"gt=0"`
	CommandTimeout time.Duration `yaml:"command_timeout" env:"COMMAND_TIMEOUT" validate:"gt=0"`
	KeepAlive      time.Duration `yaml:"keep_alive" env:"KEEP_ALIVE" validate:"gte=0"`
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=-1"`
	OfflineQueue   bool          `yaml:"offline_queue" env:"OFFLINE_QUEUE"`

	ExhaustionBackoff  time.Duration `yaml:"exhaustion_backoff" env:"EXHAUSTION_BACKOFF" validate:"gt=0"`
	ConfigErrorBackoff time.Duration `yaml:"config_error_backoff" env:"CONFIG_ERROR_BACKOFF" validate:"gt=0"`
}

type Breaker struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD" validate:"gte=1"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT" validate:"gt=0"`
}

type Cache struct {
	Prefix     string        `yaml:"prefix" env:"PREFIX"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	Codec      string        `yaml:"codec" env:"CODEC" validate:"oneof=json msgpack cbor"`
	// Upper bound for a stored value on decode. 0 => unlimited
	MaxValueBytes int `yaml:"max_value_bytes" env:"MAX_VALUE_BYTES" validate:"gte=0"`
}

type Session struct {
	TTL            time.Duration `yaml:"ttl" env:"TTL" validate:"gt=0"`
	JobCampaignTTL time.Duration `yaml:"job_campaign_ttl" env:"JOB_CAMPAIGN_TTL" validate:"gt=0"`
	OAuthStateTTL  time.Duration `yaml:"oauth_state_ttl" env:"OAUTH_STATE_TTL" validate:"gt=0"`
	ActiveWindow   time.Duration `yaml:"active_window" env:"ACTIVE_WINDOW" validate:"gt=0"`
}

type RateLimit struct {
	Window                 time.Duration `yaml:"window" env:"WINDOW" validate:"gt=0"`
	MaxRequests            int64         `yaml:"max_requests" env:"MAX_REQUESTS" validate:"gte=1"`
	SkipSuccessfulRequests bool          `yaml:"skip_successful_requests" env:"SKIP_SUCCESSFUL_REQUESTS"`
	SkipFailedRequests     bool          `yaml:"skip_failed_requests" env:"SKIP_FAILED_REQUESTS"`
}

type Monitor struct {
	// 0 disables the background loop.
	Interval    time.Duration `yaml:"interval" env:"INTERVAL" validate:"gte=0"`
	HistorySize int           `yaml:"history_size" env:"HISTORY_SIZE" validate:"gte=1"`
	LatencyWarn time.Duration `yaml:"latency_warn" env:"LATENCY_WARN" validate:"gt=0"`
	ClientWarn  int64         `yaml:"client_warn" env:"CLIENT_WARN" validate:"gte=1"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gt=0"`
}

func Default() Config {
	return Config{
		Redis: Redis{
			Host:               "localhost",
			Port:               6379,
			ConnectTimeout:     10 * time.Second,
			CommandTimeout:     5 * time.Second,
			KeepAlive:          30 * time.Second,
			MaxRetries:         3,
			ExhaustionBackoff:  30 * time.Second,
			ConfigErrorBackoff: 5 * time.Minute,
		},
		Breaker: Breaker{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
		},
		Cache: Cache{
			DefaultTTL: time.Hour,
			Codec:      "json",
		},
		Session: Session{
			TTL:            24 * time.Hour,
			JobCampaignTTL: 7 * 24 * time.Hour,
			OAuthStateTTL:  10 * time.Minute,
			ActiveWindow:   time.Hour,
		},
		RateLimit: RateLimit{
			Window:      time.Minute,
			MaxRequests: 100,
		},
		Monitor: Monitor{
			Interval:    30 * time.Second,
			HistorySize: 100,
			LatencyWarn: 100 * time.Millisecond,
			ClientWarn:  100,
			Timeout:     5 * time.Second,
		},
	}
}

// Load reads path over the defaults (an empty path skips the file), applies
// KVGUARD_* environment variables and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate reports every invalid field by its YAML path.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// drop the root struct name
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", path, rule))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}
