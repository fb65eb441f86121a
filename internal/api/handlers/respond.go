package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/bookguard/internal/api/middleware"
	"github.com/Wikid82/bookguard/internal/services"
	"github.com/Wikid82/bookguard/internal/store"
	"github.com/Wikid82/bookguard/internal/util"
)

// respondError maps service errors to HTTP statuses. Unknown errors are logged and
// reported as 500 with a generic message.
func respondError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrIncidentNotFound),
		errors.Is(err, services.ErrEventNotFound),
		errors.Is(err, services.ErrBaselineNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrInvalidThreatLevel),
		errors.Is(err, services.ErrInvalidOverrideAction),
		errors.Is(err, services.ErrInvalidMultiplier),
		errors.Is(err, services.ErrInvalidStatus),
		errors.Is(err, services.ErrMissingIdentifier):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrInvalidStatusTransition),
		errors.Is(err, services.ErrNotificationNotRequired):
		status = http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, services.ErrIncidentBusy):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if status >= 500 {
		middleware.GetRequestLogger(c).WithError(err).Error(msg)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// parseTime accepts RFC 3339 or unix milliseconds. Empty input is the zero time.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// timeRange reads the start and end query parameters.
func timeRange(c *gin.Context) (time.Time, time.Time, bool) {
	start, err := parseTime(c.Query("start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start: " + util.SanitizeForLog(c.Query("start"))})
		return time.Time{}, time.Time{}, false
	}
	end, err := parseTime(c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end: " + util.SanitizeForLog(c.Query("end"))})
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func actor(c *gin.Context) string {
	if id := c.GetString(middleware.UserIDKey); id != "" {
		return id
	}
	return "anonymous"
}
