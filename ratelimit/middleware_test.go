package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(h http.Handler, remote, path string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func okHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
}

func TestMiddleware_HeadersAndRejection(t *testing.T) {
	l, clock, _ := newTestLimiter(t, Options{})
	h := Middleware(l, MiddlewareOptions{Config: Config{Window: time.Minute, MaxRequests: 2}})(okHandler(http.StatusOK))

	w := serve(h, "10.0.0.1:5555", "/login")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(clock.Now().Add(time.Minute).Unix(), 10), w.Header().Get("X-RateLimit-Reset"))

	serve(h, "10.0.0.1:5556", "/login")
	w = serve(h, "10.0.0.1:5557", "/login")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	// other path, other window
	w = serve(h, "10.0.0.1:5557", "/search")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_SkipSuccessfulRequests(t *testing.T) {
	l, _, _ := newTestLimiter(t, Options{})
	cfg := Config{Window: time.Minute, MaxRequests: 1, SkipSuccessfulRequests: true}
	h := Middleware(l, MiddlewareOptions{Config: cfg})(okHandler(http.StatusOK))

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(h, "1.2.3.4:1", "/").Code)
	}
}

func TestMiddleware_SkipFailedRequests(t *testing.T) {
	l, _, _ := newTestLimiter(t, Options{})
	cfg := Config{Window: time.Minute, MaxRequests: 1, SkipFailedRequests: true}

	failing := Middleware(l, MiddlewareOptions{Config: cfg})(okHandler(http.StatusUnauthorized))
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusUnauthorized, serve(failing, "1.2.3.4:1", "/").Code)
	}

	ok := Middleware(l, MiddlewareOptions{Config: cfg})(okHandler(http.StatusOK))
	assert.Equal(t, http.StatusOK, serve(ok, "1.2.3.4:1", "/").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(ok, "1.2.3.4:1", "/").Code)
}

func TestMiddleware_CustomKeyAndRejection(t *testing.T) {
	l, _, _ := newTestLimiter(t, Options{})
	var seen []string
	opts := MiddlewareOptions{
		Config: Config{MaxRequests: 1},
		KeyFunc: func(r *http.Request) string {
			k := "user:" + r.Header.Get("X-User")
			seen = append(seen, k)
			return k
		},
		OnLimited: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}),
	}
	h := Middleware(l, opts)(okHandler(http.StatusOK))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-User", "42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, []string{"user:42", "user:42"}, seen)
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/a/b", nil)
	r.RemoteAddr = "192.168.1.9:4444"
	assert.Equal(t, "192.168.1.9:/a/b", clientKey(r))

	r.RemoteAddr = "unix"
	assert.Equal(t, "unix:/a/b", clientKey(r))
}
