// Command kvguard runs a small operations endpoint over a kvguard client:
// /healthz, /stats and Prometheus /metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/kvguard"
	"github.com/unkn0wn-root/kvguard/cache"
	"github.com/unkn0wn-root/kvguard/client"
	"github.com/unkn0wn-root/kvguard/config"
	asynchook "github.com/unkn0wn-root/kvguard/hooks/async"
	kvlogrus "github.com/unkn0wn-root/kvguard/log/logrus"
	kvslog "github.com/unkn0wn-root/kvguard/log/slog"
	kvzap "github.com/unkn0wn-root/kvguard/log/zap"
	"github.com/unkn0wn-root/kvguard/monitor"
	"github.com/unkn0wn-root/kvguard/session"
	"github.com/unkn0wn-root/kvguard/sloghooks"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath string
	address    string
	logFormat  string
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "addr", ":8080", "HTTP listen address")
	flag.StringVar(&opts.logFormat, "log", "zap", "Logger backend: zap, logrus, slog")
	flag.Parse()
	return opts
}

func newLogger(format string) (kvguard.Logger, func(), error) {
	switch format {
	case "zap":
		zl, err := zap.NewProduction()
		if err != nil {
			return nil, nil, fmt.Errorf("creating zap logger: %w", err)
		}
		return kvzap.New(zl), func() { _ = zl.Sync() }, nil
	case "logrus":
		ll := logrus.New()
		ll.SetFormatter(&logrus.JSONFormatter{})
		return kvlogrus.New(ll), func() {}, nil
	case "slog":
		return kvslog.Logger{L: slog.New(slog.NewJSONHandler(os.Stderr, nil))}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown log backend %q", format)
	}
}

func run() error {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	logger, flush, err := newLogger(opts.logFormat)
	if err != nil {
		return err
	}
	defer flush()

	hooks := asynchook.New(sloghooks.New(slog.New(slog.NewJSONHandler(os.Stderr, nil)), sloghooks.Options{
		RateLimitedEvery:   100,
		HealthCheckedEvery: 10,
	}), 1, 1024)
	defer hooks.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, cfg.Redis.ConnectTimeout)
	c, err := client.New(startCtx, *cfg,
		client.WithLogger(logger),
		client.WithHooks(hooks),
		client.WithRegisterer(reg),
	)
	cancel()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(closeCtx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", healthHandler(c))
	mux.HandleFunc("/stats", statsHandler(c))

	srv := &http.Server{
		Addr:              opts.address,
		Handler:           c.RateLimitMiddleware(nil)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", kvguard.Fields{"addr": opts.address})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func healthHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hs := c.Monitor.Check(r.Context())
		code := http.StatusOK
		if hs.Status == monitor.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, hs)
	}
}

type statsResponse struct {
	Connection string                  `json:"connection"`
	Breaker    string                  `json:"breaker"`
	Failures   int                     `json:"breaker_failures"`
	Monitor    monitor.ConnectionStats `json:"monitor"`
	Cache      cache.Stats             `json:"cache"`
	Sessions   session.Stats           `json:"sessions"`
}

func statsHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bs := c.Breaker.Stats()
		writeJSON(w, http.StatusOK, statsResponse{
			Connection: c.Conn.Status().String(),
			Breaker:    bs.State.String(),
			Failures:   bs.FailureCount,
			Monitor:    c.Monitor.Stats(),
			Cache:      c.Cache.Stats(r.Context()),
			Sessions:   c.Sessions.Stats(r.Context()),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
