package cerberus

import (
	"fmt"

	"github.com/Wikid82/bookguard/internal/captcha"
	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/services"
	"github.com/Wikid82/bookguard/internal/store"
)

// Options overrides collaborators Build would otherwise construct from config.
type Options struct {
	Verifier services.CaptchaVerifier
	Notifier services.Notifier
}

// Build constructs every pipeline stage over st and returns the facade. Without an
// explicit verifier one is created when a CAPTCHA secret is configured; without an
// explicit notifier the shoutrrr/webhook NotificationService is used.
func Build(cfg config.Config, st store.Store, clk clock.Clock, opts Options) (*Cerberus, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	events := services.NewEventService(st, clk, cfg.Events)

	verifier := opts.Verifier
	if verifier == nil && cfg.Captcha.Secret != "" {
		verifier = captcha.NewHTTPVerifier(cfg.Captcha)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = services.NewNotificationService(cfg.Notifications, clk)
	}

	anomaly, err := services.NewAnomalyService(st, clk, events, cfg.Anomaly)
	if err != nil {
		return nil, fmt.Errorf("anomaly service: %w", err)
	}
	incidents := services.NewIncidentService(st, clk, events, notifier, cfg.Incident)
	incidents.AsyncNotify = cfg.Notifications.Async

	return New(cfg, clk, Services{
		Events:     events,
		RateLimit:  services.NewRateLimitService(st, clk, events, cfg.RateLimit),
		Reputation: services.NewReputationService(st, clk, events, cfg.Reputation),
		Captcha:    services.NewCaptchaService(st, clk, events, verifier, cfg.Captcha),
		Anomaly:    anomaly,
		Incidents:  incidents,
	}), nil
}
