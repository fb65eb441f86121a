package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/services"
)

// RateLimitHandler exposes threat adjustments, the emergency override and per-identifier windows.
type RateLimitHandler struct {
	service *services.RateLimitService
}

func NewRateLimitHandler(service *services.RateLimitService) *RateLimitHandler {
	return &RateLimitHandler{service: service}
}

type adjustRequest struct {
	Endpoint    string             `json:"endpoint" binding:"required"`
	ThreatLevel models.ThreatLevel `json:"threat_level" binding:"required"`
	Reason      string             `json:"reason"`
	DurationMs  int64              `json:"duration_ms" binding:"min=0"`
}

func (h *RateLimitHandler) Adjust(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	adj, err := h.service.AdjustRateLimits(c.Request.Context(), req.Endpoint, req.ThreatLevel, services.AdjustOptions{
		Reason:     req.Reason,
		Duration:   time.Duration(req.DurationMs) * time.Millisecond,
		AdjustedBy: actor(c),
	})
	if err != nil {
		respondError(c, err, "Failed to adjust rate limits")
		return
	}
	c.JSON(http.StatusOK, adj)
}

// GetAdjustment reads the adjustment for ?endpoint=.
func (h *RateLimitHandler) GetAdjustment(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}
	adj, err := h.service.GetRateLimitAdjustment(c.Request.Context(), endpoint)
	if err != nil {
		respondError(c, err, "Failed to read rate limit adjustment")
		return
	}
	if adj == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active adjustment"})
		return
	}
	c.JSON(http.StatusOK, adj)
}

func (h *RateLimitHandler) ClearAdjustment(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}
	if err := h.service.ClearRateLimitAdjustment(c.Request.Context(), endpoint); err != nil {
		respondError(c, err, "Failed to clear rate limit adjustment")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Adjustment cleared"})
}

type overrideRequest struct {
	Action           models.OverrideAction `json:"action" binding:"required"`
	Reason           string                `json:"reason"`
	DurationMs       int64                 `json:"duration_ms" binding:"min=0"`
	GlobalMultiplier float64               `json:"global_multiplier"`
}

func (h *RateLimitHandler) Override(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ov, err := h.service.EmergencyOverride(c.Request.Context(), req.Action, services.OverrideRequest{
		AdminID:          actor(c),
		Reason:           req.Reason,
		Duration:         time.Duration(req.DurationMs) * time.Millisecond,
		GlobalMultiplier: req.GlobalMultiplier,
	})
	if err != nil {
		respondError(c, err, "Failed to apply emergency override")
		return
	}
	c.JSON(http.StatusOK, ov)
}

func (h *RateLimitHandler) GetOverride(c *gin.Context) {
	ov, err := h.service.GetEmergencyOverride(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to read emergency override")
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": ov != nil, "override": ov})
}

func (h *RateLimitHandler) ClearOverride(c *gin.Context) {
	if err := h.service.ClearEmergencyOverride(c.Request.Context()); err != nil {
		respondError(c, err, "Failed to clear emergency override")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Emergency override cleared"})
}

// Peek reports the current window for /:type/:identifier without counting a request.
func (h *RateLimitHandler) Peek(c *gin.Context) {
	res, err := h.service.PeekRateLimit(c.Request.Context(), c.Param("identifier"), models.LimitType(c.Param("type")))
	if err != nil {
		respondError(c, err, "Failed to read rate limit window")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *RateLimitHandler) Reset(c *gin.Context) {
	if err := h.service.ResetRateLimit(c.Request.Context(), c.Param("identifier"), models.LimitType(c.Param("type"))); err != nil {
		respondError(c, err, "Failed to reset rate limit window")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rate limit window reset"})
}
