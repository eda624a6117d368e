// Package main provides the outbox relay service entry point.
// It publishes committed domain events from the outbox table to the
// configured broker.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/config"
	"github.com/drfirst/go-ipd/internal/infrastructure/broker"
	"github.com/drfirst/go-ipd/internal/infrastructure/postgres"
	"github.com/drfirst/go-ipd/internal/observability/metrics"
	"github.com/drfirst/go-ipd/internal/observability/tracing"
	"github.com/drfirst/go-ipd/pkg/circuitbreaker"
)

const (
	serviceName = "outbox-relay"

	statsInterval      = 15 * time.Second
	deadLetterInterval = time.Minute
	cleanupInterval    = time.Hour
	processedRetention = 7 * 24 * time.Hour
)

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	logger.Info("connected to database")

	m := metrics.New(nil)

	publisher, err := broker.NewPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher creation failed", zap.Error(err))
	}
	defer publisher.Close()

	// One breaker per topic, so a failing topic does not stall the others
	breakerCfg := circuitbreaker.DefaultConfig(serviceName)
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Code())
	}
	breakers := circuitbreaker.NewManager(breakerCfg, logger)

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.OnDelivered = func(n int) { m.OutboxRelayed.Add(float64(n)) }
	relay := postgres.NewRelay(postgres.NewDB(pool), circuitbreaker.NewGuardedPublisher(publisher, breakers), outboxCfg, logger)

	relay.Start()
	logger.Info("outbox relay started", zap.String("publisher", cfg.EventPublisher))

	go maintain(ctx, relay, m, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		health := breakers.Health()
		for _, h := range health {
			if !h.Healthy {
				status = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{"service": serviceName, "breakers": health})
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	relay.Stop()
	logger.Info("outbox relay stopped")
}

// maintain reports the backlog and sweeps dead letters and old rows
func maintain(ctx context.Context, relay *postgres.Relay, m *metrics.Metrics, logger *zap.Logger) {
	stats := time.NewTicker(statsInterval)
	deadLetter := time.NewTicker(deadLetterInterval)
	cleanup := time.NewTicker(cleanupInterval)
	defer stats.Stop()
	defer deadLetter.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			s, err := relay.Stats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.OutboxPending.Set(float64(s.Pending))
		case <-deadLetter.C:
			n, err := relay.MoveToDeadLetter(ctx)
			if err != nil {
				logger.Error("dead letter sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Warn("moved outbox entries to dead letter", zap.Int64("count", n))
			}
		case <-cleanup.C:
			n, err := relay.CleanupProcessed(ctx, processedRetention)
			if err != nil {
				logger.Error("outbox cleanup failed", zap.Error(err))
				continue
			}
			logger.Info("cleaned processed outbox entries", zap.Int64("count", n))
		}
	}
}
