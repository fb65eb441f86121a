package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/bookguard/internal/cerberus"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/services"
)

// SecurityEventHandler ingests and lists SecurityEvents.
type SecurityEventHandler struct {
	cerb   *cerberus.Cerberus
	events *services.EventService
}

func NewSecurityEventHandler(cerb *cerberus.Cerberus, events *services.EventService) *SecurityEventHandler {
	return &SecurityEventHandler{cerb: cerb, events: events}
}

type createEventRequest struct {
	EventType models.EventType       `json:"event_type" binding:"required"`
	Severity  models.Severity        `json:"severity" binding:"omitempty,oneof=low medium high critical"`
	Identity  models.Identity        `json:"identity"`
	Details   map[string]interface{} `json:"details"`
	Timestamp *time.Time             `json:"timestamp"`
}

// Create records an event and runs it through anomaly and incident detection.
func (h *SecurityEventHandler) Create(c *gin.Context) {
	var req createEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev := &models.SecurityEvent{
		EventType: req.EventType,
		Severity:  req.Severity,
		Identity:  req.Identity,
		Details:   req.Details,
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}
	res, err := h.cerb.Ingest(c.Request.Context(), ev)
	if err != nil {
		respondError(c, err, "Failed to record security event")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"securityEvent": res.Event,
		"incidents":     res.Incidents,
		"anomalies":     res.Anomalies,
	})
}

// List returns events newest first, filtered by start, end, type, ip and user_id.
func (h *SecurityEventHandler) List(c *gin.Context) {
	start, end, ok := timeRange(c)
	if !ok {
		return
	}
	q := services.EventQuery{
		Start:  start,
		End:    end,
		Type:   models.EventType(c.Query("type")),
		IP:     c.Query("ip"),
		UserID: c.Query("user_id"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}
	events, err := h.events.List(c.Request.Context(), q)
	if err != nil {
		respondError(c, err, "Failed to list security events")
		return
	}
	if events == nil {
		events = []*models.SecurityEvent{}
	}
	c.JSON(http.StatusOK, events)
}

func (h *SecurityEventHandler) Get(c *gin.Context) {
	ev, err := h.events.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to load security event")
		return
	}
	c.JSON(http.StatusOK, ev)
}
