package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/harborline/sandbox-sentinel/internal/alerts"
	"github.com/harborline/sandbox-sentinel/internal/autopause"
	"github.com/harborline/sandbox-sentinel/internal/config"
	"github.com/harborline/sandbox-sentinel/internal/server"
	"github.com/harborline/sandbox-sentinel/internal/state"
	"github.com/harborline/sandbox-sentinel/internal/types"
	"github.com/harborline/sandbox-sentinel/internal/version"
	"github.com/harborline/sandbox-sentinel/pkg/monitor"
	"github.com/harborline/sandbox-sentinel/pkg/policy"
	"github.com/harborline/sandbox-sentinel/pkg/proxy"
	"github.com/harborline/sandbox-sentinel/pkg/runtime"
	"github.com/harborline/sandbox-sentinel/pkg/scanner"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	cfg := config.Default()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.WithError(err).Fatal("Failed to create data dir")
	}
	if cfg.Backend.WorkloadPID <= 0 {
		log.Fatal("WORKLOAD_PID must name the sandboxed workload process")
	}

	log.WithFields(logrus.Fields{
		"version":      version.Version,
		"workload_pid": cfg.Backend.WorkloadPID,
	}).Info("Starting sandbox sentinel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Alert pipeline.
	dispatcher := alerts.NewDispatcher(log)
	fileSink, err := alerts.NewFileSink(cfg.Alerts.LogPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to open alert log")
	}
	defer fileSink.Close()
	dispatcher.AddSink(fileSink)
	if cfg.Alerts.NotifierURL != "" {
		dispatcher.AddSink(alerts.NewWebhookSink(cfg.Alerts.NotifierURL, cfg.Alerts.NotifierTimeout, log))
	}
	if err := dispatcher.LoadHistory(cfg.Alerts.LogPath); err != nil {
		log.WithError(err).Warn("Failed to load alert history")
	}

	// Policy engine and egress proxy.
	store := policy.NewStore(cfg.Proxy.PolicyPath, log)
	engine, err := policy.NewEngine(store, dispatcher, policy.EngineConfig{
		ApprovalTimeout: cfg.Proxy.ApprovalTimeout,
		AuditLogPath:    cfg.Proxy.AuditLogPath,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create policy engine")
	}
	defer engine.Close()

	watchStop := make(chan struct{})
	defer close(watchStop)
	if err := store.Watch(watchStop); err != nil {
		log.WithError(err).Warn("Policy file watch unavailable")
	}

	egress := proxy.New(engine, scanner.New(), cfg.Proxy, log)
	if err := egress.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start egress proxy")
	}

	// Watchers and containment.
	backend := runtime.NewLocalBackend(cfg.Backend.WorkloadPID, cfg.Backend.CgroupDir, cfg.Backend.LogPath, log)
	tracker := state.NewTracker(types.StateRunning)

	pauser := autopause.New(backend, tracker, dispatcher, log)
	pauser.Start(ctx)

	mon := monitor.New(backend, tracker, dispatcher, cfg.Monitor, log)
	mon.Start(ctx)

	// API surface.
	srv := server.New(cfg.Server, dispatcher, engine, tracker, pauser, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("API server error")
			cancel()
		}
	}()

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("API server shutdown error")
	}
	if err := egress.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Egress proxy shutdown error")
	}
	mon.Stop()
	pauser.Stop()

	log.Info("Sentinel shutdown complete")
}
