// Package main provides the admission API service entry point.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/api/handlers"
	"github.com/drfirst/go-ipd/internal/config"
	"github.com/drfirst/go-ipd/internal/domain/admission"
	"github.com/drfirst/go-ipd/internal/domain/bed"
	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/reconcile"
	"github.com/drfirst/go-ipd/internal/infrastructure/postgres"
	"github.com/drfirst/go-ipd/internal/observability/metrics"
	"github.com/drfirst/go-ipd/internal/observability/tracing"
)

const serviceName = "admission-api"

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := cfg.Logger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Enabled = cfg.TracingEnabled
	traceCfg.ServiceVersion = version
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	// Connect to database
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatal("invalid node id", zap.Int64("node_id", cfg.NodeID), zap.Error(err))
	}

	// Domain events are written to the outbox inside each use case's
	// transaction; outbox-relay publishes them.
	db := postgres.NewDB(pool)
	events := postgres.NewOutboxSink(db)
	directory := postgres.NewDirectory(db)

	beds := bed.NewRegistry(postgres.NewBedRepository(db), db, events, logger)
	bill := billing.NewService(
		postgres.NewLedgerRepository(db),
		postgres.NewInvoiceRepository(db),
		directory, db, events,
		billing.Config{DueTerm: time.Duration(cfg.InvoiceDueDays) * 24 * time.Hour},
		logger)
	coordinator := reconcile.NewCoordinator(bill, db, events, logger)
	admissions := admission.NewService(postgres.NewAdmissionRepository(db), beds, coordinator, directory, db, events, node, logger)

	router := handlers.NewRouter(handlers.Deps{
		Service:     serviceName,
		Version:     version,
		Beds:        beds,
		Admissions:  admissions,
		Billing:     bill,
		Coordinator: coordinator,
		Registrar:   directory,
		Metrics:     metrics.New(nil),
		APIKeys:     cfg.APIKeyMap(),
		Ready:       pool.Ping,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting admission API", zap.String("port", cfg.Port), zap.String("version", version))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
