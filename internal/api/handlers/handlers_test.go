package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/services"
	"github.com/Wikid82/bookguard/internal/store"
)

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", HealthHandler)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"service":"BookGuard"`)
}

func TestReadyHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := store.NewMemoryStore(clock.NewManual(time.Now()))
	r := gin.New()
	r.GET("/ready", ReadyHandler(st))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, st.Close())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRespondError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err    error
		status int
		body   string
	}{
		{fmt.Errorf("load: %w", services.ErrIncidentNotFound), http.StatusNotFound, "incident not found"},
		{services.ErrInvalidThreatLevel, http.StatusBadRequest, ""},
		{services.ErrInvalidStatusTransition, http.StatusConflict, ""},
		{fmt.Errorf("exec: %w", store.ErrUnavailable), http.StatusServiceUnavailable, "something failed"},
		{fmt.Errorf("fold: %w", services.ErrIncidentBusy), http.StatusServiceUnavailable, "locked by another writer"},
		{errors.New("boom"), http.StatusInternalServerError, "something failed"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			respondError(c, tt.err, "something failed")
			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Contains(t, w.Body.String(), tt.body)
			}
			assert.NotContains(t, w.Body.String(), "boom")
		})
	}
}

func TestParseTime(t *testing.T) {
	zero, err := parseTime("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	ms, err := parseTime("1773151200000")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), ms)

	rfc, err := parseTime("2026-03-10T14:00:00Z")
	require.NoError(t, err)
	assert.True(t, rfc.Equal(ms))

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}
