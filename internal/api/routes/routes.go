package routes

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Wikid82/bookguard/internal/api/handlers"
	"github.com/Wikid82/bookguard/internal/api/middleware"
	"github.com/Wikid82/bookguard/internal/cerberus"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/services"
	"github.com/Wikid82/bookguard/internal/store"
)

// Deps is everything the HTTP surface needs, constructed once at startup.
type Deps struct {
	Config   config.Config
	Store    store.Store
	Cerberus *cerberus.Cerberus
	Janitor  *services.JanitorService
	Registry *prometheus.Registry
}

// Register wires up API routes.
func Register(router *gin.Engine, deps Deps) error {
	if deps.Cerberus == nil || deps.Store == nil {
		return errors.New("routes: cerberus and store are required")
	}
	cfg := deps.Config
	svc := deps.Cerberus.Services()

	router.GET("/api/v1/health", handlers.HealthHandler)
	router.GET("/api/v1/ready", handlers.ReadyHandler(deps.Store))
	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")

	// Cerberus admits every API request: IP blocks, rate limits, CAPTCHA requirements.
	api.Use(deps.Cerberus.Middleware())

	sec := api.Group("/security")
	sec.Use(middleware.AdminAuth(cfg.Auth))

	readers := middleware.RequireRole(middleware.RoleAdmin, middleware.RoleAuditor)
	admins := middleware.RequireRole(middleware.RoleAdmin)
	producers := middleware.RequireRole(middleware.RoleAdmin, middleware.RoleService)

	eventHandler := handlers.NewSecurityEventHandler(deps.Cerberus, svc.Events)
	sec.POST("/events", producers, eventHandler.Create)
	sec.GET("/events", readers, eventHandler.List)
	sec.GET("/events/:id", readers, eventHandler.Get)

	guardHandler := handlers.NewGuardHandler(deps.Cerberus)
	sec.POST("/guard/admit", producers, guardHandler.Admit)
	sec.POST("/guard/process", producers, guardHandler.Process)

	incidentHandler := handlers.NewIncidentHandler(svc.Incidents)
	sec.GET("/incidents", readers, incidentHandler.List)
	sec.GET("/incidents/:id", readers, incidentHandler.Get)
	sec.PUT("/incidents/:id/status", admins, incidentHandler.UpdateStatus)
	sec.POST("/incidents/:id/notify", admins, incidentHandler.Notify)

	rateLimitHandler := handlers.NewRateLimitHandler(svc.RateLimit)
	sec.GET("/rate-limits/adjustments", readers, rateLimitHandler.GetAdjustment)
	sec.POST("/rate-limits/adjustments", admins, rateLimitHandler.Adjust)
	sec.DELETE("/rate-limits/adjustments", admins, rateLimitHandler.ClearAdjustment)
	sec.GET("/rate-limits/override", readers, rateLimitHandler.GetOverride)
	sec.POST("/rate-limits/override", admins, rateLimitHandler.Override)
	sec.DELETE("/rate-limits/override", admins, rateLimitHandler.ClearOverride)
	sec.GET("/rate-limits/windows/:type/:identifier", readers, rateLimitHandler.Peek)
	sec.DELETE("/rate-limits/windows/:type/:identifier", admins, rateLimitHandler.Reset)

	reputationHandler := handlers.NewReputationHandler(svc.Reputation)
	sec.GET("/ips/:ip", readers, reputationHandler.Status)
	sec.POST("/ips/:ip/block", admins, reputationHandler.Block)
	sec.DELETE("/ips/:ip/block", admins, reputationHandler.Unblock)

	captchaHandler := handlers.NewCaptchaHandler(svc.Captcha)
	sec.GET("/captcha/:identifier", readers, captchaHandler.Status)
	sec.DELETE("/captcha/:identifier", admins, captchaHandler.Clear)
	sec.POST("/captcha/validate", producers, captchaHandler.Validate)

	anomalyHandler := handlers.NewAnomalyHandler(svc.Anomaly)
	sec.GET("/anomaly/rules", readers, anomalyHandler.Rules)
	sec.GET("/baselines/:type/:entity", readers, anomalyHandler.GetBaseline)
	sec.DELETE("/baselines/:type/:entity", admins, anomalyHandler.ResetBaseline)

	if deps.Janitor != nil {
		sec.POST("/maintenance/run", admins, handlers.NewMaintenanceHandler(deps.Janitor).Run)
	}

	return nil
}
