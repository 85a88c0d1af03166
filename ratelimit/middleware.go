package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
)

type MiddlewareOptions struct {
	Config Config

	// Identifier for a request. nil => client IP + ":" + path.
	KeyFunc func(*http.Request) string

	// Writes the rejection. nil => 429 with a short text body.
	OnLimited http.Handler
}

// Middleware admits requests through l. It sets X-RateLimit-* headers on every
// response and, when the Skip* flags are set, forgets the recorded hit once the
// response status is known.
func Middleware(l *Limiter, opts MiddlewareOptions) func(http.Handler) http.Handler {
	cfg := opts.Config.withDefaults()
	keyFunc := opts.KeyFunc
	if keyFunc == nil {
		keyFunc = clientKey
	}
	onLimited := opts.OnLimited
	if onLimited == nil {
		onLimited = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
		})
	}
	skipping := cfg.SkipSuccessfulRequests || cfg.SkipFailedRequests

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := keyFunc(r)
			res := l.Check(r.Context(), id, cfg)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(cfg.MaxRequests, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))

			if !res.Allowed {
				h.Set("Retry-After", strconv.FormatInt(int64(cfg.Window.Seconds()), 10))
				onLimited.ServeHTTP(w, r)
				return
			}
			if !skipping {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			failed := sw.status >= http.StatusBadRequest
			if (failed && cfg.SkipFailedRequests) || (!failed && cfg.SkipSuccessfulRequests) {
				l.Forget(context.WithoutCancel(r.Context()), id, res)
			}
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host + ":" + r.URL.Path
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
