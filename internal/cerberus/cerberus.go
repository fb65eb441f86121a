package cerberus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/metrics"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/services"
	"github.com/Wikid82/bookguard/internal/util"
)

// Denial reasons reported in Decision.Reason.
const (
	ReasonIPBlocked       = "ip_blocked"
	ReasonRateLimited     = "rate_limited"
	ReasonCaptchaRequired = "captcha_required"
	ReasonCaptchaFailed   = "captcha_failed"
)

// Services bundles the pipeline stages Cerberus drives.
type Services struct {
	Events     *services.EventService
	RateLimit  *services.RateLimitService
	Reputation *services.ReputationService
	Captcha    *services.CaptchaService
	Anomaly    *services.AnomalyService
	Incidents  *services.IncidentService
}

// Cerberus is the threat-detection pipeline facade: admission checks in front of a
// request, then event ingestion through reputation, anomaly and incident stages.
type Cerberus struct {
	cfg   config.Config
	clock clock.Clock
	svc   Services
}

// New creates a new Cerberus instance
func New(cfg config.Config, clk clock.Clock, svc Services) *Cerberus {
	return &Cerberus{cfg: cfg, clock: clk, svc: svc}
}

// IsEnabled reports whether admission checks run at all.
func (c *Cerberus) IsEnabled() bool {
	return c.cfg.RateLimit.Enabled
}

// Services returns the wired stages.
func (c *Cerberus) Services() Services { return c.svc }

// Request describes one inbound action to admit.
type Request struct {
	Endpoint     string
	LimitType    models.LimitType
	IP           string
	UserID       string
	UserAgent    string
	CaptchaToken string
	// Scope is the CAPTCHA context; it defaults to the limit type.
	Scope string
}

func (r Request) identifier() string {
	if r.UserID != "" {
		return r.UserID
	}
	return r.IP
}

func (r Request) scope() string {
	if r.Scope != "" {
		return r.Scope
	}
	if r.LimitType != "" {
		return string(r.LimitType)
	}
	return string(models.LimitGeneral)
}

// Decision is the outcome of Admit.
type Decision struct {
	Allowed    bool                    `json:"allowed"`
	Reason     string                  `json:"reason,omitempty"`
	Status     int                     `json:"-"`
	RetryAfter time.Duration           `json:"retry_after,omitempty"`
	RateLimit  *models.RateLimitResult `json:"rate_limit,omitempty"`
	Block      *models.IPBlockStatus   `json:"block,omitempty"`
	Captcha    *models.CaptchaStatus   `json:"captcha,omitempty"`
}

// Admit runs the pre-request checks in order: IP block, rate limit, CAPTCHA
// requirement. Store failures on the block and requirement reads let the request
// through; the rate limiter fails open on its own.
func (c *Cerberus) Admit(ctx context.Context, req Request) Decision {
	defer metrics.ObserveStage("admit", time.Now())
	log := logger.Component("cerberus").WithFields(logrus.Fields{
		"ip":       util.SanitizeForLog(req.IP),
		"endpoint": util.SanitizeForLog(req.Endpoint),
	})
	if req.LimitType == "" {
		req.LimitType = models.LimitGeneral
	}

	if req.IP != "" && c.svc.Reputation != nil {
		status, err := c.svc.Reputation.CheckIPBlock(ctx, req.IP)
		if err != nil {
			metrics.IncStoreFailure("cerberus")
			log.WithError(err).Warn("ip block check failed, allowing request")
		} else if status.Blocked {
			log.WithField("reason", status.Reason).Info("request from blocked ip rejected")
			return Decision{
				Reason:     ReasonIPBlocked,
				Status:     http.StatusForbidden,
				RetryAfter: status.RemainingTime,
				Block:      &status,
			}
		}
	}

	var rl *models.RateLimitResult
	if c.IsEnabled() && c.svc.RateLimit != nil && req.identifier() != "" {
		res := c.svc.RateLimit.CheckRateLimit(ctx, req.identifier(), req.LimitType, services.RateLimitContext{
			Endpoint:  req.Endpoint,
			IP:        req.IP,
			UserID:    req.UserID,
			UserAgent: req.UserAgent,
		})
		rl = &res
		if !res.Allowed {
			c.onRateLimited(ctx, req)
			return Decision{
				Reason:     ReasonRateLimited,
				Status:     http.StatusTooManyRequests,
				RetryAfter: res.ResetTime.Sub(c.clock.Now()),
				RateLimit:  rl,
			}
		}
	}

	if c.cfg.Captcha.Enabled && c.svc.Captcha != nil && req.IP != "" {
		status, err := c.svc.Captcha.IsCaptchaRequired(ctx, req.IP, req.scope())
		if err != nil {
			metrics.IncStoreFailure("cerberus")
			log.WithError(err).Warn("captcha requirement unreadable, allowing request")
		} else if status.Required {
			if req.CaptchaToken == "" {
				return Decision{Reason: ReasonCaptchaRequired, Status: http.StatusForbidden, RateLimit: rl, Captcha: &status}
			}
			v := c.svc.Captcha.ValidateCaptcha(ctx, req.CaptchaToken, req.IP, req.scope(), services.ValidateOptions{RemoteIP: req.IP})
			if !v.Success {
				c.adjustReputation(ctx, req.IP, models.EventCaptchaFailed)
				return Decision{Reason: ReasonCaptchaFailed, Status: http.StatusForbidden, RateLimit: rl, Captcha: &status}
			}
		}
	}

	return Decision{Allowed: true, Status: http.StatusOK, RateLimit: rl}
}

// onRateLimited lowers the caller's reputation and counts a CAPTCHA activity.
func (c *Cerberus) onRateLimited(ctx context.Context, req Request) {
	if req.IP == "" {
		return
	}
	c.adjustReputation(ctx, req.IP, models.EventRateLimitExceeded)
	if c.svc.Captcha == nil {
		return
	}
	if _, err := c.svc.Captcha.ShouldTriggerCaptcha(ctx, req.IP, services.ActivityRateLimitViolations, req.scope()); err != nil {
		logger.Component("cerberus").WithError(err).Warn("captcha activity not counted")
	}
}

// IngestResult is what one event produced on its way through the pipeline.
type IngestResult struct {
	Event           *models.SecurityEvent `json:"securityEvent"`
	Anomalies       []models.Anomaly      `json:"anomalies"`
	Incidents       []*models.Incident    `json:"incidents"`
	Reputation      *float64              `json:"reputation,omitempty"`
	CaptchaRequired bool                  `json:"captcha_required,omitempty"`
}

// captchaActivity maps failure events to the CAPTCHA activity they count towards.
var captchaActivity = map[models.EventType]string{
	models.EventLoginFailed:        services.ActivityFailedLogins,
	models.EventMFAFailed:          services.ActivityFailedMFA,
	models.EventSuspiciousActivity: services.ActivitySuspicious,
}

// Ingest records ev and cascades it through reputation, CAPTCHA activity, anomaly and
// incident detection. Only a failure to record the event is returned; later stages
// log their own failures and contribute nothing.
func (c *Cerberus) Ingest(ctx context.Context, ev *models.SecurityEvent) (*IngestResult, error) {
	defer metrics.ObserveStage("ingest", time.Now())
	if c.svc.Events == nil {
		return nil, errors.New("cerberus: event service not configured")
	}
	recorded, err := c.svc.Events.Record(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	out := &IngestResult{Event: recorded, Anomalies: []models.Anomaly{}, Incidents: []*models.Incident{}}

	if ip := recorded.Identity.IP; ip != "" {
		if score, ok := c.adjustReputation(ctx, ip, recorded.EventType); ok {
			out.Reputation = &score
		}
		if activity, ok := captchaActivity[recorded.EventType]; ok && c.svc.Captcha != nil {
			triggered, err := c.svc.Captcha.ShouldTriggerCaptcha(ctx, ip, activity, scopeFor(recorded.EventType))
			if err != nil {
				logger.Component("cerberus").WithError(err).Warn("captcha activity not counted")
			}
			out.CaptchaRequired = triggered
		}
	}

	if c.svc.Anomaly != nil {
		if anomalies := c.svc.Anomaly.Analyze(ctx, recorded); anomalies != nil {
			out.Anomalies = anomalies
		}
	}
	if c.svc.Incidents != nil {
		if incs := c.svc.Incidents.DetectIncident(ctx, recorded, out.Anomalies); incs != nil {
			out.Incidents = incs
		}
	}
	c.escalate(ctx, out.Incidents)
	return out, nil
}

// escalate tightens the auth limit when a brute force incident is first opened.
func (c *Cerberus) escalate(ctx context.Context, incs []*models.Incident) {
	if c.svc.RateLimit == nil {
		return
	}
	for _, inc := range incs {
		if inc.Type != models.IncidentBruteForce || len(inc.EventIDs) != 1 {
			continue
		}
		_, err := c.svc.RateLimit.AdjustRateLimits(ctx, string(models.LimitAuth), models.ThreatHigh, services.AdjustOptions{
			Reason:     "brute force incident " + inc.ID,
			AdjustedBy: "cerberus",
		})
		if err != nil {
			logger.Component("cerberus").WithError(err).Warn("failed to tighten auth rate limit")
		}
	}
}

func scopeFor(t models.EventType) string {
	switch t {
	case models.EventLoginFailed:
		return string(models.LimitAuth)
	case models.EventMFAFailed:
		return string(models.LimitMFA)
	}
	return string(models.LimitGeneral)
}

// adjustReputation applies the configured delta for t to ip.
func (c *Cerberus) adjustReputation(ctx context.Context, ip string, t models.EventType) (float64, bool) {
	delta, ok := c.cfg.Reputation.EventDeltas[string(t)]
	if !ok || delta == 0 || c.svc.Reputation == nil {
		return 0, false
	}
	score, err := c.svc.Reputation.UpdateIPReputation(ctx, ip, delta)
	if err != nil {
		metrics.IncStoreFailure("cerberus")
		logger.Component("cerberus").WithError(err).WithField("ip", util.SanitizeForLog(ip)).Warn("reputation update failed")
		return score, false
	}
	return score, true
}

// ProcessResult combines admission, ingestion and any back-off applied.
type ProcessResult struct {
	Decision Decision                 `json:"decision"`
	Ingest   *IngestResult            `json:"ingest,omitempty"`
	Delay    *models.ProgressiveDelay `json:"delay,omitempty"`
}

func (c *Cerberus) failureWindow() time.Duration {
	if l, ok := c.cfg.RateLimit.Limits[string(models.LimitAuth)]; ok && l.Window > 0 {
		return l.Window
	}
	return 15 * time.Minute
}

// failureEvents are outcomes that earn the caller a progressive delay.
var failureEvents = map[models.EventType]bool{
	models.EventLoginFailed: true,
	models.EventMFAFailed:   true,
}

// Process admits req and, when allowed, ingests the outcome event ev. Failed logins
// and MFA attempts get a progressive delay sized by recent failures from the same IP.
func (c *Cerberus) Process(ctx context.Context, req Request, ev *models.SecurityEvent) (*ProcessResult, error) {
	out := &ProcessResult{Decision: c.Admit(ctx, req)}
	if !out.Decision.Allowed || ev == nil {
		return out, nil
	}
	if ev.Identity.IP == "" {
		ev.Identity.IP = req.IP
	}
	if ev.Identity.UserID == "" {
		ev.Identity.UserID = req.UserID
	}
	if ev.Identity.UserAgent == "" {
		ev.Identity.UserAgent = req.UserAgent
	}

	ing, err := c.Ingest(ctx, ev)
	if err != nil {
		return out, err
	}
	out.Ingest = ing

	if failureEvents[ev.EventType] && ev.Identity.IP != "" && c.svc.Reputation != nil {
		now := c.clock.Now()
		window := c.failureWindow()
		attempts, err := c.svc.Events.Count(ctx, services.FieldIP, ev.Identity.IP, now.Add(-window), now, ev.EventType)
		if err != nil {
			logger.Component("cerberus").WithError(err).Warn("failure count unavailable, using one attempt")
			attempts = 1
		}
		d, err := c.svc.Reputation.ApplyProgressiveDelay(ctx, ev.Identity.IP, int(attempts), services.DelayOptions{})
		if err != nil {
			logger.Component("cerberus").WithError(err).Warn("progressive delay not persisted")
		}
		out.Delay = d
	}
	return out, nil
}
