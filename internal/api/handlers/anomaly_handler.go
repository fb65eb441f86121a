package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/bookguard/internal/services"
)

// AnomalyHandler exposes behavior baselines and the active rule set.
type AnomalyHandler struct {
	service *services.AnomalyService
}

func NewAnomalyHandler(service *services.AnomalyService) *AnomalyHandler {
	return &AnomalyHandler{service: service}
}

func (h *AnomalyHandler) GetBaseline(c *gin.Context) {
	b, err := h.service.GetBaseline(c.Request.Context(), c.Param("type"), c.Param("entity"))
	if err != nil {
		respondError(c, err, "Failed to load baseline")
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *AnomalyHandler) ResetBaseline(c *gin.Context) {
	if err := h.service.ResetBaseline(c.Request.Context(), c.Param("type"), c.Param("entity")); err != nil {
		respondError(c, err, "Failed to reset baseline")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Baseline reset"})
}

func (h *AnomalyHandler) Rules(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Rules())
}
