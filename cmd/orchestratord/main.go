// Package main wires together the scrape orchestrator service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/pulsewatch/scrape-orchestrator/internal/api"
	"github.com/pulsewatch/scrape-orchestrator/internal/clock/system"
	"github.com/pulsewatch/scrape-orchestrator/internal/config"
	"github.com/pulsewatch/scrape-orchestrator/internal/cron"
	"github.com/pulsewatch/scrape-orchestrator/internal/dispatch"
	"github.com/pulsewatch/scrape-orchestrator/internal/engine"
	"github.com/pulsewatch/scrape-orchestrator/internal/events"
	"github.com/pulsewatch/scrape-orchestrator/internal/events/sinks"
	sha256print "github.com/pulsewatch/scrape-orchestrator/internal/fingerprint/sha256"
	"github.com/pulsewatch/scrape-orchestrator/internal/id/uuid"
	"github.com/pulsewatch/scrape-orchestrator/internal/logging"
	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
	memorypublisher "github.com/pulsewatch/scrape-orchestrator/internal/publisher/memory"
	pubsubpublisher "github.com/pulsewatch/scrape-orchestrator/internal/publisher/pubsub"
	"github.com/pulsewatch/scrape-orchestrator/internal/registry"
	"github.com/pulsewatch/scrape-orchestrator/internal/session"
	"github.com/pulsewatch/scrape-orchestrator/internal/storage/gcs"
	"github.com/pulsewatch/scrape-orchestrator/internal/storage/local"
	memorystorage "github.com/pulsewatch/scrape-orchestrator/internal/storage/memory"
	"github.com/pulsewatch/scrape-orchestrator/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector())
	promSink, err := sinks.NewPrometheusSink(metrics)
	if err != nil {
		logger.Fatal("prometheus sink init failed", zap.Error(err))
	}
	stream := sinks.NewStreamSink()
	hub := events.NewHub(
		events.Config{Logger: logger.Named("events")},
		sinks.NewLogSink(logger.Named("events")),
		promSink,
		stream,
	)

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	var sessionStore orchestrator.SessionStore
	if cfg.DB.DSN != "" {
		store, err := postgres.NewSessionStore(ctx, postgres.SessionStoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			logger.Fatal("postgres session store init failed", zap.Error(err))
		}
		sessionStore = store
	} else {
		sessionStore = memorystorage.NewSessionStore()
	}

	var publisher orchestrator.Publisher
	if cfg.PubSub.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		p := pubsubpublisher.New(client)
		defer p.Close()
		publisher = p
	} else {
		publisher = memorypublisher.New()
	}

	schedules := memorystorage.NewScheduleStore()
	targets := memorystorage.NewTargetStore()
	items := memorystorage.NewItemStore()

	reg := registry.New(registry.Config{
		HeartbeatInterval:  cfg.HeartbeatInterval(),
		LivenessMultiplier: cfg.Workers.LivenessMultiplier,
		MailboxDepth:       cfg.Workers.MailboxDepth,
	}, clock, hub, logger.Named("registry"))

	dispatcher := dispatch.New(dispatch.Config{
		MaxQueueWait: cfg.MaxQueueWait(),
	}, targets, reg, clock, hub, logger.Named("dispatch"))

	sessions := session.NewManager(session.Config{
		WatchdogTimeout: cfg.WatchdogTimeout(),
		BackfillGrace:   cfg.BackfillGrace(),
	}, sessionStore, items, blobs, sha256print.New(), clock, idGen, hub, logger.Named("session"))

	eng := engine.New(engine.Config{
		TerminalTopic: cfg.PubSub.TerminalTopic,
		BackfillGrace: cfg.BackfillGrace(),
	}, schedules, targets, dispatcher, sessions, publisher, clock, idGen, logger.Named("engine"))
	reg.OnOnline(eng.HandleWorkerOnline)
	reg.OnOffline(eng.HandleWorkerOffline)

	scheduler := cron.New(cron.Config{
		TickInterval: cfg.SchedulerTick(),
	}, schedules, clock, eng.HandleScheduleFire, logger.Named("cron"))

	apiServer := api.NewServer(cfg, api.Deps{
		Schedules: schedules,
		Targets:   targets,
		Sessions:  sessionStore,
		Items:     items,
		Blobs:     blobs,
		Engine:    eng,
		Queue:     dispatcher,
		Workers:   reg,
		Manager:   sessions,
		Stream:    stream,
		Metrics:   metrics,
		Clock:     clock,
		IDGen:     idGen,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("worker liveness sweeper started")
		reg.Run(ctx)
	}()
	go func() {
		logger.Info("cron scheduler started", zap.Duration("tick", cfg.SchedulerTick()))
		scheduler.Run(ctx)
	}()
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildBlobStore(ctx context.Context, cfg config.Config) (orchestrator.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "local":
		return local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	default:
		return memorystorage.NewBlobStore(), nil
	}
}
