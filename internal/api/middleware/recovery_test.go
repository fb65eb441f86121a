package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/Wikid82/bookguard/internal/logger"
)

func panicRouter(verbose bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Recovery(verbose))
	r.GET("/api/v1/bookings/:id", func(c *gin.Context) {
		panic("nil booking")
	})
	return r
}

func TestRecovery_Verbose(t *testing.T) {
	buf := &bytes.Buffer{}
	logger.Init(true, buf)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings/42?guest=alice@example.com", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set(BreakGlassHeader, "open-sesame")
	req.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()
	panicRouter(true).ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"request_id":"`+w.Header().Get(RequestIDHeader)+`"`)

	out := buf.String()
	assert.Contains(t, out, "panic recovered: nil booking")
	assert.Contains(t, out, "stack=")
	assert.Contains(t, out, "request_id")
	assert.Contains(t, out, "<redacted>")
	assert.NotContains(t, out, "secret-token")
	assert.NotContains(t, out, "open-sesame")
	assert.NotContains(t, out, "alice@example.com")
}

func TestRecovery_Brief(t *testing.T) {
	buf := &bytes.Buffer{}
	logger.Init(false, buf)

	w := httptest.NewRecorder()
	panicRouter(false).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/bookings/7", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	out := buf.String()
	assert.Contains(t, out, "panic recovered: nil booking")
	assert.NotContains(t, out, `"stack"`)
	assert.NotContains(t, out, `"headers"`)
}

func TestLoggablePath(t *testing.T) {
	assert.Equal(t, "/api/v1/auth/login", LoggablePath("/api/v1/auth/login?email=a@b.c"))
	long := "/" + string(bytes.Repeat([]byte("a"), 300))
	assert.Len(t, LoggablePath(long), 200)
}

func TestLoggableHeaders(t *testing.T) {
	assert.Nil(t, LoggableHeaders(nil))
	h := http.Header{}
	h.Set("X-Captcha-Token", "tok")
	h.Set("User-Agent", "curl/8.0")
	out := LoggableHeaders(h)
	assert.Equal(t, []string{"<redacted>"}, out["X-Captcha-Token"])
	assert.Equal(t, []string{"curl/8.0"}, out["User-Agent"])
}
