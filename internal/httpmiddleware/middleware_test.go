package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() { gin.SetMode(gin.TestMode) }

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func limitedRouter(l *RedisWindow) *gin.Engine {
	r := gin.New()
	r.Use(l.GinMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRedisWindow_LimitsPerWindow(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	now := time.Unix(1764900000, 0)
	l := NewRedisWindow(client, 2, nil)
	l.now = func() time.Time { return now }
	r := limitedRouter(l)

	assert.Equal(t, http.StatusOK, get(r, "/ping").Code)
	assert.Equal(t, http.StatusOK, get(r, "/ping").Code)
	w := get(r, "/ping")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusOK, get(r, "/ping").Code)

	var keys int
	for _, k := range srv.Keys() {
		assert.Contains(t, k, "campushealth:rl:10.0.0.1:")
		assert.Greater(t, srv.TTL(k), time.Duration(0))
		keys++
	}
	assert.Equal(t, 2, keys)
}

func TestRedisWindow_FailsOpen(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1})
	defer client.Close()
	srv.Close()

	r := limitedRouter(NewRedisWindow(client, 1, nil))
	assert.Equal(t, http.StatusOK, get(r, "/ping").Code)
	assert.Equal(t, http.StatusOK, get(r, "/ping").Code)
}

func TestRedisWindow_Disabled(t *testing.T) {
	r := limitedRouter(NewRedisWindow(nil, 0, nil))
	assert.Equal(t, http.StatusOK, get(r, "/ping").Code)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core), "/healthz"))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/v1/things/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	get(r, "/healthz")
	get(r, "/v1/things/9")
	get(r, "/boom")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/v1/things/9", fields["path"])
	assert.Equal(t, "/v1/things/:id", fields["route"])
	assert.EqualValues(t, 404, fields["status"])
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := get(r, "/")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestCORS_OnlyListedOrigins(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://clinic.campus.edu", "*"}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := send("https://clinic.campus.edu")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://clinic.campus.edu", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = send("https://evil.example")
	assert.NotEqual(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_NoOrigins(t *testing.T) {
	r := gin.New()
	r.Use(CORS(nil))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://clinic.campus.edu")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRedisWindow_ForwardedForNeedsTrustedProxy(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	from := func(r http.Handler, forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		req.Header.Set("X-Forwarded-For", forwarded)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	fixed := func() time.Time { return time.Unix(1764900000, 0) }
	limiter := NewRedisWindow(client, 1, nil)
	limiter.now = fixed

	untrusted := limitedRouter(limiter)
	require.NoError(t, untrusted.SetTrustedProxies(nil))
	assert.Equal(t, http.StatusOK, from(untrusted, "203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, from(untrusted, "203.0.113.2"), "spoofed header must not open a new bucket")

	srv.FlushAll()
	trusted := limitedRouter(limiter)
	require.NoError(t, trusted.SetTrustedProxies([]string{"10.0.0.1"}))
	assert.Equal(t, http.StatusOK, from(trusted, "203.0.113.1"))
	assert.Equal(t, http.StatusOK, from(trusted, "203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, from(trusted, "203.0.113.2"))
}
