package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/bookguard/internal/services"
	"github.com/Wikid82/bookguard/internal/util"
)

// ReputationHandler exposes IP reputation and manual blocking.
type ReputationHandler struct {
	service *services.ReputationService
}

func NewReputationHandler(service *services.ReputationService) *ReputationHandler {
	return &ReputationHandler{service: service}
}

func ipParam(c *gin.Context) (string, bool) {
	ip := c.Param("ip")
	if !util.IsIP(ip) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ip address"})
		return "", false
	}
	return ip, true
}

// Status returns score, block state and any pending progressive delay for an IP.
func (h *ReputationHandler) Status(c *gin.Context) {
	ip, ok := ipParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	score, err := h.service.GetIPReputation(ctx, ip)
	if err != nil {
		respondError(c, err, "Failed to read ip reputation")
		return
	}
	block, err := h.service.CheckIPBlock(ctx, ip)
	if err != nil {
		respondError(c, err, "Failed to read ip block")
		return
	}
	delay, err := h.service.GetProgressiveDelay(ctx, ip)
	if err != nil {
		respondError(c, err, "Failed to read progressive delay")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ip": ip, "reputation": score, "block": block, "delay": delay})
}

type blockRequest struct {
	Reason             string `json:"reason" binding:"required"`
	DurationMs         int64  `json:"duration_ms" binding:"min=0"`
	ExponentialBackoff *bool  `json:"exponential_backoff"`
}

func (h *ReputationHandler) Block(c *gin.Context) {
	ip, ok := ipParam(c)
	if !ok {
		return
	}
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	block, err := h.service.BlockIP(c.Request.Context(), ip, req.Reason, services.BlockOptions{
		Duration:           time.Duration(req.DurationMs) * time.Millisecond,
		ExponentialBackoff: req.ExponentialBackoff,
		BlockedBy:          actor(c),
	})
	if err != nil {
		respondError(c, err, "Failed to block ip")
		return
	}
	c.JSON(http.StatusCreated, block)
}

func (h *ReputationHandler) Unblock(c *gin.Context) {
	ip, ok := ipParam(c)
	if !ok {
		return
	}
	removed, err := h.service.UnblockIP(c.Request.Context(), ip, actor(c))
	if err != nil {
		respondError(c, err, "Failed to unblock ip")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unblocked": removed})
}
