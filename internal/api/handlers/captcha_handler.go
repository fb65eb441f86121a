package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/bookguard/internal/services"
)

type CaptchaHandler struct {
	service *services.CaptchaService
}

func NewCaptchaHandler(service *services.CaptchaService) *CaptchaHandler {
	return &CaptchaHandler{service: service}
}

// Status reports whether /:identifier must solve a CAPTCHA in ?context=.
func (h *CaptchaHandler) Status(c *gin.Context) {
	status, err := h.service.IsCaptchaRequired(c.Request.Context(), c.Param("identifier"), c.Query("context"))
	if err != nil {
		respondError(c, err, "Failed to read captcha requirement")
		return
	}
	c.JSON(http.StatusOK, status)
}

type validateCaptchaRequest struct {
	Token      string  `json:"token"`
	Identifier string  `json:"identifier" binding:"required"`
	Context    string  `json:"context"`
	Force      bool    `json:"force"`
	MinScore   float64 `json:"min_score" binding:"min=0,max=1"`
}

// Validate checks a token. A failed validation answers 403 with the error code.
func (h *CaptchaHandler) Validate(c *gin.Context) {
	var req validateCaptchaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := h.service.ValidateCaptcha(c.Request.Context(), req.Token, req.Identifier, req.Context, services.ValidateOptions{
		MinScore: req.MinScore,
		Force:    req.Force,
		RemoteIP: c.ClientIP(),
	})
	if !res.Success {
		c.JSON(http.StatusForbidden, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *CaptchaHandler) Clear(c *gin.Context) {
	if err := h.service.ClearCaptchaRequirement(c.Request.Context(), c.Param("identifier"), c.Query("context")); err != nil {
		respondError(c, err, "Failed to clear captcha requirement")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Captcha requirement cleared"})
}
