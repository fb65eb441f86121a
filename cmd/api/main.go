package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Wikid82/bookguard/internal/api/routes"
	"github.com/Wikid82/bookguard/internal/cerberus"
	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/ingest"
	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/metrics"
	"github.com/Wikid82/bookguard/internal/server"
	"github.com/Wikid82/bookguard/internal/services"
	"github.com/Wikid82/bookguard/internal/store"
	"github.com/Wikid82/bookguard/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init(false, os.Stderr)
		logger.Log().WithError(err).Fatal("load config")
	}

	// Setup logging with rotation
	var out io.Writer = os.Stdout
	if cfg.Logging.Dir != "" {
		if err := os.MkdirAll(cfg.Logging.Dir, 0o755); err == nil {
			rotator := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.Logging.Dir, "bookguard.log"),
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				MaxAge:     cfg.Logging.MaxAgeDays,
				Compress:   cfg.Logging.Compress,
			}
			defer rotator.Close()
			out = io.MultiWriter(os.Stdout, rotator)
		}
	}
	logger.Init(cfg.Logging.Debug, out)
	log := logger.Log()
	log.WithField("version", version.Full()).Infof("starting %s", version.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}
	st, err := store.Open(ctx, cfg.Store, clk)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer st.Close()

	cerb, err := cerberus.Build(cfg, st, clk, cerberus.Options{})
	if err != nil {
		log.WithError(err).Fatal("build security services")
	}
	defer cerb.Services().Incidents.Wait()

	var janitor *services.JanitorService
	if cfg.Janitor.Enabled {
		janitor, err = services.NewJanitorService(cfg.Janitor, st, cerb.Services().Events, cerb.Services().Anomaly)
		if err != nil {
			log.WithError(err).Fatal("schedule janitor")
		}
		janitor.Start()
		defer janitor.Stop()
	}

	if cfg.NATS.Enabled {
		nc, err := ingest.Connect(cfg.NATS)
		if err != nil {
			log.WithError(err).Fatal("connect to event bus")
		}
		defer nc.Close()
		sub := ingest.NewSubscriber(nc, cerb, cfg.NATS)
		if err := sub.Start(); err != nil {
			log.WithError(err).Fatal("subscribe to event bus")
		}
		defer func() {
			if err := sub.Stop(); err != nil {
				log.WithError(err).Warn("drain event bus subscription")
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	srv, err := server.New(cfg, routes.Deps{Store: st, Cerberus: cerb, Janitor: janitor, Registry: registry})
	if err != nil {
		log.WithError(err).Fatal("build server")
	}

	log.WithField("addr", srv.Addr()).Infof("starting %s backend", version.Name)
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server error")
		return
	}
	log.Info("shut down cleanly")
}
