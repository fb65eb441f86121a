package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/bookguard/internal/cerberus"
	"github.com/Wikid82/bookguard/internal/models"
)

// GuardHandler lets other backends ask for an admission decision over HTTP instead
// of embedding the middleware.
type GuardHandler struct {
	cerb *cerberus.Cerberus
}

func NewGuardHandler(cerb *cerberus.Cerberus) *GuardHandler {
	return &GuardHandler{cerb: cerb}
}

type admitRequest struct {
	Endpoint     string           `json:"endpoint"`
	LimitType    models.LimitType `json:"limit_type" binding:"omitempty,oneof=general auth password_reset file_upload mfa"`
	IP           string           `json:"ip" binding:"required,ip"`
	UserID       string           `json:"user_id"`
	UserAgent    string           `json:"user_agent"`
	CaptchaToken string           `json:"captcha_token"`
	Context      string           `json:"context"`
}

func (r admitRequest) toRequest() cerberus.Request {
	return cerberus.Request{
		Endpoint:     r.Endpoint,
		LimitType:    r.LimitType,
		IP:           r.IP,
		UserID:       r.UserID,
		UserAgent:    r.UserAgent,
		CaptchaToken: r.CaptchaToken,
		Scope:        r.Context,
	}
}

// Admit answers 200 with the decision whether or not the caller is allowed; the
// decision body carries the reason and retry hint.
func (h *GuardHandler) Admit(c *gin.Context) {
	var req admitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d := h.cerb.Admit(c.Request.Context(), req.toRequest())
	c.JSON(http.StatusOK, gin.H{
		"allowed":        d.Allowed,
		"reason":         d.Reason,
		"status":         d.Status,
		"retry_after_ms": d.RetryAfter.Milliseconds(),
		"rate_limit":     d.RateLimit,
		"block":          d.Block,
		"captcha":        d.Captcha,
	})
}

type processRequest struct {
	Request admitRequest `json:"request"`
	Event   struct {
		EventType models.EventType       `json:"event_type" binding:"required"`
		Severity  models.Severity        `json:"severity"`
		Details   map[string]interface{} `json:"details"`
	} `json:"event"`
}

// Process admits the request and, when allowed, ingests its outcome event.
func (h *GuardHandler) Process(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev := &models.SecurityEvent{
		EventType: req.Event.EventType,
		Severity:  req.Event.Severity,
		Details:   req.Event.Details,
	}
	res, err := h.cerb.Process(c.Request.Context(), req.Request.toRequest(), ev)
	if err != nil {
		respondError(c, err, "Failed to process request")
		return
	}
	c.JSON(http.StatusOK, res)
}
