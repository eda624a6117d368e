// Package main provides the billing ingestion service entry point.
// It consumes completed billable events from clinical subsystems and
// records them on the billing ledger.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/config"
	"github.com/drfirst/go-ipd/internal/domain/billing"
	"github.com/drfirst/go-ipd/internal/domain/reconcile"
	"github.com/drfirst/go-ipd/internal/infrastructure/postgres"
	"github.com/drfirst/go-ipd/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ipd/internal/ingest"
	"github.com/drfirst/go-ipd/internal/observability/metrics"
	"github.com/drfirst/go-ipd/internal/observability/tracing"
	"github.com/drfirst/go-ipd/pkg/idempotency"
)

const serviceName = "billing-ingest"

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
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	db := postgres.NewDB(pool)
	events := postgres.NewOutboxSink(db)
	bill := billing.NewService(
		postgres.NewLedgerRepository(db),
		postgres.NewInvoiceRepository(db),
		postgres.NewDirectory(db), db, events,
		billing.Config{DueTerm: time.Duration(cfg.InvoiceDueDays) * 24 * time.Hour},
		logger)
	coordinator := reconcile.NewCoordinator(bill, db, events, logger)

	m := metrics.New(nil)

	handler, err := ingest.NewHandler(idempotency.NewPGStore(pool), coordinator, m,
		ingest.Config{Workers: cfg.IngestWorkers}, logger)
	if err != nil {
		logger.Fatal("ingest handler creation failed", zap.Error(err))
	}
	handler.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()
	consumerCfg.GroupID = cfg.IngestGroupID

	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("billing ingest started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.String("group", consumerCfg.GroupID))

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	if err := handler.Stop(); err != nil {
		logger.Error("ingest stop failed", zap.Error(err))
	}
	logger.Info("billing ingest stopped")
}
