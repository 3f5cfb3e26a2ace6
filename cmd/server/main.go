/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the affiliate ledger and commission engine.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, optional YAML file, environment)
  2. Initialize logging and metrics
  3. Open the SQLite store
  4. Load rate tables and build the engine
  5. Start the reset trigger and, if enabled, the kafka sale consumer
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional; env vars override it)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop consuming events and stop the reset trigger
  2. Stop accepting new connections
  3. Wait for active requests to complete (shutdown_timeout)
  4. Close the kafka writer and database connection

EXAMPLES:
  # Defaults: ./data/affiliate.db, :8080
  ./server

  # In-memory database, text logs
  AFFILIATE_DB_PATH=":memory:" AFFILIATE_LOG_FORMAT=text ./server

  # Config file
  ./server -config=./config/local.yaml

SEE ALSO:
  - config/config.go: Every setting and its env var
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/api"
	"github.com/warp/affiliate-engine/config"
	"github.com/warp/affiliate-engine/factory"
	"github.com/warp/affiliate-engine/metrics"
	"github.com/warp/affiliate-engine/notify"
	"github.com/warp/affiliate-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Log, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize store
	if cfg.DB.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0o755); err != nil {
			return err
		}
	}
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	tables, err := factory.LoadTables(cfg.Tables.Path)
	if err != nil {
		return err
	}
	ranks, err := factory.RankEngine(tables)
	if err != nil {
		return err
	}

	retry := affiliate.RetryConfig{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	}
	ledger := affiliate.NewLedger(store,
		affiliate.WithRetry(retry),
		affiliate.WithLogger(logger),
		affiliate.WithInstrumentation(m),
	)

	gen, err := affiliate.NewCodeGenerator()
	if err != nil {
		return err
	}
	graph := affiliate.NewReferralGraph(store, gen, ledger.Now, logger)

	// Rank changes go to the in-process bus; kafka subscribes when enabled.
	bus := affiliate.NewBus()
	var kafkaPub *notify.KafkaPublisher
	if cfg.Kafka.Enabled {
		kafkaPub = notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.RankTopic)
		bus.Subscribe(kafkaPub.PublishRankChanged)
		defer func() {
			if err := kafkaPub.Close(); err != nil {
				logger.Warn("closing kafka publisher", "error", err)
			}
		}()
	}

	engine, err := affiliate.NewCommissionEngine(affiliate.EngineDeps{
		Ledger:          ledger,
		Graph:           graph,
		Ranks:           ranks,
		Accounts:        store,
		Publisher:       bus,
		Logger:          logger,
		Instrumentation: m,
	}, tables)
	if err != nil {
		return err
	}

	reset := affiliate.NewResetScheduler(ledger, store, affiliate.ResetConfig{
		LeaseTTL:    cfg.Reset.LeaseTTL,
		Concurrency: cfg.Reset.Concurrency,
		Retry:       retry,
	}, logger, m)

	trigger := api.NewResetTrigger(reset, logger)
	trigger.CheckInterval = cfg.Reset.CheckInterval
	trigger.Enabled = cfg.Reset.Enabled
	trigger.Now = ledger.Now
	trigger.Start()
	defer trigger.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.Kafka.Enabled {
		consumer := notify.NewSaleConsumer(cfg.Kafka.Brokers, cfg.Kafka.SaleTopic, cfg.Kafka.GroupID, engine, logger)
		consumer.MaxRetries = cfg.Kafka.MaxRetries
		consumer.Instrumentation = m
		if cfg.Kafka.DeadLetterTopic != "" {
			consumer.DeadLetters = notify.NewWriter(cfg.Kafka.Brokers)
			consumer.DeadLetterTopic = cfg.Kafka.DeadLetterTopic
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Start(ctx); err != nil {
				logger.Error("sale consumer stopped", "error", err)
			}
			if err := consumer.Close(); err != nil {
				logger.Warn("closing sale consumer", "error", err)
			}
		}()
	}

	handler := api.NewHandler(ledger, graph, engine, store, reset, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Metrics:     m.Handler(),
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.HTTP.Addr, "env", cfg.Env, "db", cfg.DB.Path, "kafka", cfg.Kafka.Enabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down server")
	stop()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}
