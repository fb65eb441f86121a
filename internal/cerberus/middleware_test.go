package cerberus_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/bookguard/internal/cerberus"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLimitTypeFor(t *testing.T) {
	routes := append([]cerberus.RouteLimit{{Prefix: "/api/v1/auth", LimitType: models.LimitGeneral}}, cerberus.DefaultRouteLimits...)
	tests := []struct {
		path string
		want models.LimitType
	}{
		{"/api/v1/auth/login", models.LimitAuth},
		{"/api/v1/auth/password-reset/confirm", models.LimitPasswordReset},
		{"/api/v1/auth/mfa/verify", models.LimitMFA},
		{"/api/v1/uploads/avatar", models.LimitFileUpload},
		{"/api/v1/auth/logout", models.LimitGeneral},
		{"/api/v1/bookings", models.LimitGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, cerberus.LimitTypeFor(routes, tt.path))
		})
	}
}

func newRouter(h *harness) *gin.Engine {
	r := gin.New()
	r.Use(h.c.Middleware())
	ok := func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) }
	r.POST("/api/v1/auth/login", ok)
	r.GET("/api/v1/bookings", ok)
	return r
}

func TestMiddleware_RateLimitsLogin(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimit.Limits["auth"] = config.LimitConfig{Max: 2, Window: time.Minute}
	})
	r := newRouter(h)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), cerberus.ReasonRateLimited)

	// Other route families keep their own budget.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_BlockedIP(t *testing.T) {
	h := newHarness(t, nil)
	r := newRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil)
	req.RemoteAddr = "198.51.100.77:4321"
	_, err := h.svc.Reputation.BlockIP(context.Background(), "198.51.100.77", "manual", services.BlockOptions{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), cerberus.ReasonIPBlocked)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestMiddleware_RecordsRequests(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.RateLimit.RecordRequests = true })
	r := newRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	events, err := h.svc.Events.List(context.Background(), services.EventQuery{Type: models.EventAPIRequest})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "192.0.2.10", events[0].Identity.IP)
	assert.Equal(t, "/api/v1/bookings", events[0].DetailString("path"))
}
