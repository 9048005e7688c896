package httpmiddleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func limiters(t *testing.T, limit int) map[string]Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Limiter{
		"memory": NewMemoryLimiter(limit, time.Minute),
		"redis":  NewRedisLimiter(client, "rl:", limit, time.Minute),
	}
}

func do(h http.Handler, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	for name, l := range limiters(t, 5) {
		t.Run(name, func(t *testing.T) {
			h := RateLimit(l, RateLimitConfig{Max: 5, Window: time.Minute})(okHandler())
			for i := range 5 {
				w := do(h, "192.168.1.1:12345", nil)
				assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
				assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
				assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
				assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
			}
		})
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	for name, l := range limiters(t, 2) {
		t.Run(name, func(t *testing.T) {
			h := RateLimit(l, RateLimitConfig{Max: 2, Window: time.Minute})(okHandler())
			for range 2 {
				require.Equal(t, http.StatusOK, do(h, "10.0.0.1:9999", nil).Code)
			}

			w := do(h, "10.0.0.1:9999", nil)
			assert.Equal(t, http.StatusTooManyRequests, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
			assert.NotEmpty(t, w.Header().Get("Retry-After"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, float64(429), body["code"])
			assert.Equal(t, "rate limit exceeded", body["message"])
		})
	}
}

func TestRateLimit_DifferentIPs(t *testing.T) {
	for name, l := range limiters(t, 1) {
		t.Run(name, func(t *testing.T) {
			h := RateLimit(l, RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())
			assert.Equal(t, http.StatusOK, do(h, "10.0.0.1:1234", nil).Code)
			assert.Equal(t, http.StatusOK, do(h, "10.0.0.2:1234", nil).Code)
			assert.Equal(t, http.StatusTooManyRequests, do(h, "10.0.0.1:5678", nil).Code)
		})
	}
}

func TestRateLimit_HeaderKey(t *testing.T) {
	h := RateLimit(NewMemoryLimiter(1, time.Minute), RateLimitConfig{
		Max:     1,
		Window:  time.Minute,
		KeyFunc: HeaderKey("X-API-Key"),
	})(okHandler())

	assert.Equal(t, http.StatusOK, do(h, "10.0.0.1:1", map[string]string{"X-API-Key": "key-a"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, "10.0.0.2:1", map[string]string{"X-API-Key": "key-a"}).Code)
	assert.Equal(t, http.StatusOK, do(h, "10.0.0.1:1", map[string]string{"X-API-Key": "key-b"}).Code)
	assert.Equal(t, http.StatusOK, do(h, "10.0.0.1:1", nil).Code)
}

func TestRateLimit_XForwardedFor(t *testing.T) {
	h := RateLimit(NewMemoryLimiter(1, time.Minute), RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())
	xff := map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"}
	assert.Equal(t, http.StatusOK, do(h, "192.168.1.1:4444", xff).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, "192.168.1.2:5555", xff).Code)
}

func TestRateLimit_LimiterErrorPassesThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	h := RateLimit(NewRedisLimiter(client, "rl:", 1, time.Minute), RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())
	assert.Equal(t, http.StatusOK, do(h, "10.0.0.1:1", nil).Code)
	assert.Equal(t, http.StatusOK, do(h, "10.0.0.1:1", nil).Code)
}

func TestMemoryLimiter_WindowSlides(t *testing.T) {
	l := NewMemoryLimiter(2, time.Minute)
	ctx := context.Background()
	start := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	for range 2 {
		d, err := l.Allow(ctx, "k", start)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, _ := l.Allow(ctx, "k", start.Add(30*time.Second))
	assert.False(t, d.Allowed)

	d, _ = l.Allow(ctx, "k", start.Add(3*time.Minute))
	assert.True(t, d.Allowed)

	l.Cleanup(start.Add(10 * time.Minute))
	assert.Empty(t, l.entries)
}
