package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rickgao/tick-relay/internal/api"
	"github.com/rickgao/tick-relay/internal/broadcast"
	"github.com/rickgao/tick-relay/internal/config"
	"github.com/rickgao/tick-relay/internal/connection"
	"github.com/rickgao/tick-relay/internal/database"
	"github.com/rickgao/tick-relay/internal/metrics"
	"github.com/rickgao/tick-relay/internal/registry"
	"github.com/rickgao/tick-relay/internal/server"
	"github.com/rickgao/tick-relay/internal/version"
	"github.com/rickgao/tick-relay/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before config expansion")
	flag.Parse()

	// Missing .env is fine; the environment may already be set
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting relay", append(version.LogAttrs(), "config", *configPath)...)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay failed", "error", err)
		os.Exit(1)
	}

	logger.Info("relay stopped")
}

func run(cfg *config.RelayConfig, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	// Session journal (optional)
	var (
		pool    *pgxpool.Pool
		journal *writer.SessionWriter
	)
	observers := []registry.Option{
		registry.WithObserver(registry.ObserverFunc(func(ev registry.LifecycleEvent) {
			if ev.State == registry.StateClosed {
				m.SubscriberRemoved(string(ev.Reason))
			}
		})),
	}

	if cfg.Database.Journal.Enabled() {
		logger.Info("connecting to journal database",
			"host", cfg.Database.Journal.Host,
			"port", cfg.Database.Journal.Port,
			"database", cfg.Database.Journal.Name,
		)

		var err error
		pool, err = database.Connect(ctx, cfg.Database.Journal)
		if err != nil {
			return fmt.Errorf("connect journal: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		journal = writer.NewSessionWriter(writer.WriterConfig{
			BatchSize:     cfg.Writers.BatchSize,
			FlushInterval: cfg.Writers.FlushInterval,
			BufferSize:    cfg.Writers.BufferSize,
			InstanceID:    cfg.Instance.ID,
		}, pool, m, logger.With("component", "journal"))
		if err := journal.Start(ctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		observers = append(observers, registry.WithObserver(journal))

		logger.Info("journal connected")
	}

	// Core: registry, engine, feeds
	subs := registry.New(registry.Config{
		CloseTimeout: cfg.Registry.CloseTimeout,
	}, logger.With("component", "registry"), observers...)

	if err := metrics.RegisterSubscriberGauge(m.Registerer(), subs.Count); err != nil {
		return fmt.Errorf("register subscriber gauge: %w", err)
	}

	engine := broadcast.New(broadcast.Config{
		BatchSize:   cfg.Broadcast.BatchSize,
		Concurrency: cfg.Broadcast.Concurrency,
		SendTimeout: cfg.Broadcast.SendTimeout,
	}, subs, subs, logger.With("component", "broadcast"), broadcast.WithMetrics(m))
	if err := metrics.RegisterSendGauges(m.Registerer(),
		func() int64 { return engine.Stats().InFlight },
		func() int64 { return engine.Stats().InFlightPeak },
	); err != nil {
		return fmt.Errorf("register send gauges: %w", err)
	}

	feeds := make([]connection.ClientConfig, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		feeds = append(feeds, connection.ClientConfig{
			Name:             f.Name,
			URL:              f.URL,
			APIKey:           f.APIKey,
			Tickers:          f.Tickers,
			ThresholdLevel:   f.ThresholdLevel,
			PingInterval:     cfg.Connections.PingInterval,
			ReadTimeout:      cfg.Connections.ReadTimeout,
			WriteTimeout:     cfg.Connections.WriteTimeout,
			HandshakeTimeout: cfg.Connections.HandshakeTimeout,
			MaxFrameBytes:    cfg.Connections.MaxFrameBytes,
			BufferSize:       cfg.Connections.BufferSize,
			Metrics:          m,
		})
	}
	manager := connection.NewManager(connection.ManagerConfig{
		ReconnectBaseWait: cfg.Connections.ReconnectBaseDelay,
		ReconnectMaxWait:  cfg.Connections.ReconnectMaxDelay,
		Metrics:           m,
	}, feeds, engine, logger.With("component", "feeds"))

	// Downstream server
	apiClient := api.NewClient(
		cfg.API.RestURL,
		cfg.API.APIKey,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	deps := server.Deps{
		Registry: subs,
		Upstream: apiClient,
		Feeds:    manager.Stats,
		Engine:   engine.Stats,
	}
	if pool != nil {
		deps.Journal = pool
	}

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		WriteTimeout:    cfg.Server.WriteTimeout,
		PingInterval:    cfg.Server.PingInterval,
		PongWait:        cfg.Server.PongWait,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		MaxSubscribers:  cfg.Server.MaxSubscribers,
		Debug:           cfg.Server.Debug,
	}, deps, logger.With("component", "server"))

	// Metrics server on its own port
	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, m.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start feeds: %w", err)
	}

	logger.Info("relay running",
		"instance_id", cfg.Instance.ID,
		"addr", srv.Addr(),
		"feeds", len(feeds),
		"journal", journal != nil,
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")
	shutdown(logger, srv, manager, engine, subs, journal, metricsServer)
	return nil
}

// shutdown stops components in dependency order: stop accepting, stop
// feeds, let prunes finish, close subscribers, then flush the journal.
func shutdown(
	logger *slog.Logger,
	srv *server.Server,
	manager connection.Manager,
	engine *broadcast.Engine,
	subs *registry.Registry,
	journal *writer.SessionWriter,
	metricsServer *http.Server,
) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	if err := manager.Stop(ctx); err != nil {
		logger.Warn("feed manager shutdown", "error", err)
	}
	if err := engine.Wait(ctx); err != nil {
		logger.Warn("pending prunes not finished", "error", err)
	}
	if err := subs.Close(ctx); err != nil {
		logger.Warn("registry close", "error", err)
	}
	if journal != nil {
		if err := journal.Stop(ctx); err != nil {
			logger.Warn("journal shutdown", "error", err)
		}
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
