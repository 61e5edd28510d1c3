package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sgerhart/flowguard/internal/alert"
	"github.com/sgerhart/flowguard/internal/api"
	"github.com/sgerhart/flowguard/internal/audit"
	"github.com/sgerhart/flowguard/internal/config"
	"github.com/sgerhart/flowguard/internal/detect"
	"github.com/sgerhart/flowguard/internal/flow"
	"github.com/sgerhart/flowguard/internal/ingest"
	"github.com/sgerhart/flowguard/internal/intel"
	"github.com/sgerhart/flowguard/internal/metrics"
	"github.com/sgerhart/flowguard/internal/model"
	"github.com/sgerhart/flowguard/internal/pipeline"
	"github.com/sgerhart/flowguard/internal/policy"
	"github.com/sgerhart/flowguard/internal/respond"
	"github.com/sgerhart/flowguard/internal/store"
)

func main() {
	cfg := config.FromEnv()
	cfgPath := os.Getenv("FLOWGUARD_CONFIG_FILE")
	if cfgPath != "" {
		merged, err := cfg.LoadFile(cfgPath)
		if err != nil {
			slog.Error("Failed to load config file", "path", cfgPath, "error", err)
			os.Exit(1)
		}
		cfg = merged
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.SlogLevel())
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting flowguard", "http_addr", cfg.HTTPAddr, "nats_url", cfg.NATSURL)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The config manager republishes merged snapshots when the overlay
	// file changes; log verbosity follows without a restart.
	cfgMgr := config.NewManager(cfg, logger)
	cfgMgr.Subscribe(func(s *config.Snapshot) {
		logLevel.Set(s.SlogLevel())
	})
	if cfgPath != "" {
		cfgMgr.WatchFile(ctx, cfgPath, 10*time.Second)
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	// Audit sinks: JSONL file always, Postgres when configured.
	sinks := []audit.Sink{}
	fileSink, err := audit.NewFileSink(cfg.AuditPath)
	if err != nil {
		logger.Error("Failed to open audit file", "path", cfg.AuditPath, "error", err)
		os.Exit(1)
	}
	sinks = append(sinks, fileSink)
	if cfg.AuditPostgresDSN != "" {
		pgSink, err := audit.NewPostgresSink(cfg.AuditPostgresDSN)
		if err != nil {
			logger.Error("Failed to connect audit Postgres sink", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, pgSink)
	}
	// The recorder outlives the signal context: the tracker flush and
	// final action transitions enqueue audit records after cancellation,
	// and those must still reach the sinks.
	recorder := audit.NewRecorder(sinks, cfg.AuditBufferSize, cfg.AuditOverflowNote, m, logger)
	recCtx, recCancel := context.WithCancel(context.Background())
	recorder.Start(recCtx)

	policies := policy.NewStore(m, logger)
	policies.SetCorruptionHook(func(version int64) {
		recorder.PolicyChange("snapshot integrity failure, reverted to last-known-good")
	})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				policies.VerifyIntegrity()
			case <-ctx.Done():
				return
			}
		}
	}()

	tracker := flow.NewTracker(flow.Config{
		Shards:         cfg.FlowShards,
		ShardCapacity:  cfg.FlowShardCapacity,
		IdleTimeout:    cfg.FlowIdleTimeout,
		OutDepth:       cfg.QueueDepth,
		InterimMinRate: cfg.FlowInterimMinRate,
	}, m, logger)

	feed := intel.NewFeed(cfg.IntelFile, cfg.IntelURL, cfg.IntelRefreshInterval, logger)
	if err := feed.Init(ctx); err != nil {
		logger.Warn("Threat intel feed unavailable, continuing without indicators", "error", err)
	}
	feed.Start(ctx)
	defer feed.Close()

	sigLoader := detect.NewLoader(cfg.SignatureDir, cfg.SignatureHotReload, cfg.SignatureDebounceMs, logger)
	if _, err := sigLoader.LoadSnapshot(); err != nil {
		logger.Error("Failed to load detection signatures", "dir", cfg.SignatureDir, "error", err)
		os.Exit(1)
	}
	if cfg.SignatureHotReload {
		if err := sigLoader.WatchForChanges(); err != nil {
			logger.Warn("Signature hot reload unavailable", "error", err)
		}
		defer sigLoader.StopWatching()
	}

	baselines := detect.NewBaselines(cfg.BaselineDecay, cfg.ThresholdMaxStep)
	engine := detect.NewEngine(sigLoader, detect.NewLogisticScorer(), feed, baselines, cfg.ModelTimeout, m, logger)

	nc, err := nats.Connect(cfg.NATSURL,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		logger.Error("Failed to connect to NATS", "url", cfg.NATSURL, "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("Connected to NATS", "url", cfg.NATSURL)

	alerts := alert.NewPublisher(nc, cfg.WebhookURL, model.ParseSeverity(cfg.AlertMinSeverity), m, logger)

	escalate := func(a model.ResponseAction) {
		alerts.Escalate(a)
	}
	orchestrator := respond.NewOrchestrator(respond.Config{
		Deadline:    cfg.ActionDeadline,
		MaxAttempts: cfg.ActionMaxAttempts,
		RetryBase:   cfg.ActionRetryBase,
		TTL:         cfg.ActionTTL,
		DedupeCap:   cfg.ActionDedupeCap,
		MinSeverity: model.ParseSeverity(cfg.RespondMinSeverity),
	}, respond.DefaultExecutors(policies), escalate, m, logger)

	memStore := store.NewMemoryStore(cfg.RecentFlowsCap, cfg.RecentVerdictsCap)

	pipe := pipeline.New(cfg, tracker, policies, engine, orchestrator, recorder, alerts, memStore, m, logger)
	pipe.Start(ctx)

	validator, err := ingest.NewSchemaValidator(cfg.EventSchemaPath, logger)
	if err != nil {
		logger.Error("Failed to initialize event schema validator", "error", err)
		os.Exit(1)
	}
	subscriber := ingest.NewSubscriber(nc, "flowguard", validator, pipe.Intake(), m, logger)
	go func() {
		if err := subscriber.Subscribe(ctx); err != nil {
			logger.Error("Packet event subscription ended", "error", err)
		}
	}()

	server, err := api.NewServer(policies, orchestrator, memStore, registry, logger)
	if err != nil {
		logger.Error("Failed to build API server", "error", err)
		os.Exit(1)
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		logger.Info("Control API listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}

	pipe.Wait()
	recCancel()
	recorder.Close()
	logger.Info("Shutdown complete", "audit_dropped", recorder.DroppedTotal())
}
