package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/bookguard/internal/api/middleware"
	"github.com/Wikid82/bookguard/internal/services"
)

type MaintenanceHandler struct {
	janitor *services.JanitorService
}

func NewMaintenanceHandler(janitor *services.JanitorService) *MaintenanceHandler {
	return &MaintenanceHandler{janitor: janitor}
}

// Run executes one janitor pass immediately and returns its report.
func (h *MaintenanceHandler) Run(c *gin.Context) {
	report, err := h.janitor.RunOnce(c.Request.Context())
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Warn("janitor pass finished with errors")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Maintenance pass failed", "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}
