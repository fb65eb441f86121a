package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/bookguard/internal/api/middleware"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/services"
)

type IncidentHandler struct {
	service *services.IncidentService
}

func NewIncidentHandler(service *services.IncidentService) *IncidentHandler {
	return &IncidentHandler{service: service}
}

// List returns incidents newest first, optionally narrowed by start, end and type.
func (h *IncidentHandler) List(c *gin.Context) {
	start, end, ok := timeRange(c)
	if !ok {
		return
	}
	incidents, err := h.service.GetIncidents(c.Request.Context(), start, end, models.IncidentType(c.Query("type")))
	if err != nil {
		respondError(c, err, "Failed to list incidents")
		return
	}
	if incidents == nil {
		incidents = []*models.Incident{}
	}
	c.JSON(http.StatusOK, incidents)
}

func (h *IncidentHandler) Get(c *gin.Context) {
	inc, err := h.service.GetIncident(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to load incident")
		return
	}
	c.JSON(http.StatusOK, inc)
}

type updateStatusRequest struct {
	Status models.IncidentStatus `json:"status" binding:"required"`
	Notes  string                `json:"notes"`
}

// UpdateStatus moves an incident along its lifecycle. Unknown ids are 404.
func (h *IncidentHandler) UpdateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inc, err := h.service.UpdateIncidentStatus(c.Request.Context(), c.Param("id"), req.Status, req.Notes)
	if err != nil {
		respondError(c, err, "Failed to update incident status")
		return
	}
	middleware.GetRequestLogger(c).WithField("incident_id", inc.ID).WithField("status", inc.Status).Info("incident status updated")
	c.JSON(http.StatusOK, inc)
}

// Notify sends the breach notification for an incident that requires one.
func (h *IncidentHandler) Notify(c *gin.Context) {
	ctx := c.Request.Context()
	inc, err := h.service.GetIncident(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to load incident")
		return
	}
	receipt, err := h.service.SendBreachNotifications(ctx, inc)
	if err != nil && receipt.Status == "" {
		respondError(c, err, "Failed to send notification")
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	c.JSON(status, receipt)
}
