package cerberus

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/models"
)

// Context keys and headers shared with the HTTP layer.
const (
	UserIDKey          = "userID"
	CaptchaTokenHeader = "X-Captcha-Token"
)

// RouteLimit maps a path prefix to the limit family that guards it.
type RouteLimit struct {
	Prefix    string
	LimitType models.LimitType
}

// DefaultRouteLimits covers the booking app's sensitive routes. Longer prefixes win.
var DefaultRouteLimits = []RouteLimit{
	{Prefix: "/api/v1/auth/login", LimitType: models.LimitAuth},
	{Prefix: "/api/v1/auth/register", LimitType: models.LimitAuth},
	{Prefix: "/api/v1/auth/password-reset", LimitType: models.LimitPasswordReset},
	{Prefix: "/api/v1/auth/mfa", LimitType: models.LimitMFA},
	{Prefix: "/api/v1/uploads", LimitType: models.LimitFileUpload},
}

// LimitTypeFor resolves the limit family for path using the longest matching prefix.
func LimitTypeFor(routes []RouteLimit, path string) models.LimitType {
	best, bestLen := models.LimitGeneral, -1
	for _, r := range routes {
		if strings.HasPrefix(path, r.Prefix) && len(r.Prefix) > bestLen {
			best, bestLen = r.LimitType, len(r.Prefix)
		}
	}
	return best
}

// Middleware returns a Gin middleware that admits each request through Cerberus
// using DefaultRouteLimits.
func (c *Cerberus) Middleware() gin.HandlerFunc {
	return c.MiddlewareWithRoutes(DefaultRouteLimits)
}

// MiddlewareWithRoutes is Middleware with an explicit route table.
func (c *Cerberus) MiddlewareWithRoutes(routes []RouteLimit) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		path := ctx.Request.URL.Path
		req := Request{
			Endpoint:     path,
			LimitType:    LimitTypeFor(routes, path),
			IP:           ctx.ClientIP(),
			UserID:       ctx.GetString(UserIDKey),
			UserAgent:    ctx.Request.UserAgent(),
			CaptchaToken: ctx.GetHeader(CaptchaTokenHeader),
		}

		d := c.Admit(ctx.Request.Context(), req)
		writeRateLimitHeaders(ctx, d)
		if !d.Allowed {
			logger.Log().WithFields(map[string]interface{}{
				"source":   "cerberus",
				"decision": "block",
				"reason":   d.Reason,
				"path":     path,
			}).Warn("Cerberus rejected request")
			if d.RetryAfter > 0 {
				ctx.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			ctx.AbortWithStatusJSON(d.Status, gin.H{"error": denialMessage(d.Reason), "reason": d.Reason})
			return
		}

		ctx.Next()

		if c.cfg.RateLimit.RecordRequests {
			ev := &models.SecurityEvent{
				EventType: models.EventAPIRequest,
				Severity:  models.SeverityLow,
				Identity:  models.Identity{IP: req.IP, UserID: ctx.GetString(UserIDKey), UserAgent: req.UserAgent},
				Details: map[string]interface{}{
					"method": ctx.Request.Method,
					"path":   path,
					"status": ctx.Writer.Status(),
				},
			}
			if _, err := c.Ingest(ctx.Request.Context(), ev); err != nil {
				logger.Component("cerberus").WithError(err).Warn("api request event not recorded")
			}
		}
	}
}

func writeRateLimitHeaders(ctx *gin.Context, d Decision) {
	if d.RateLimit == nil {
		return
	}
	ctx.Header("X-RateLimit-Limit", strconv.Itoa(d.RateLimit.Limit))
	ctx.Header("X-RateLimit-Remaining", strconv.Itoa(d.RateLimit.Remaining))
	ctx.Header("X-RateLimit-Reset", strconv.FormatInt(d.RateLimit.ResetTime.Unix(), 10))
}

func denialMessage(reason string) string {
	switch reason {
	case ReasonIPBlocked:
		return "Access from this address is temporarily blocked"
	case ReasonRateLimited:
		return "Too many requests"
	case ReasonCaptchaRequired:
		return "CAPTCHA verification required"
	case ReasonCaptchaFailed:
		return "CAPTCHA verification failed"
	}
	return "Request rejected"
}

