// Package main is the entry point for the OPCUAgua monitoring service.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/TCC-OPCUAgua/opcuagua/internal/adapter/config"
	"github.com/TCC-OPCUAgua/opcuagua/internal/adapter/httpapi"
	"github.com/TCC-OPCUAgua/opcuagua/internal/adapter/memory"
	"github.com/TCC-OPCUAgua/opcuagua/internal/adapter/mqtt"
	natsbridge "github.com/TCC-OPCUAgua/opcuagua/internal/adapter/nats"
	"github.com/TCC-OPCUAgua/opcuagua/internal/adapter/opcua"
	"github.com/TCC-OPCUAgua/opcuagua/internal/adapter/postgres"
	"github.com/TCC-OPCUAgua/opcuagua/internal/adapter/websocket"
	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/internal/health"
	"github.com/TCC-OPCUAgua/opcuagua/internal/metrics"
	"github.com/TCC-OPCUAgua/opcuagua/internal/service"
	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "opcuagua"
	serviceVersion = "1.0.0"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: serviceName,
		Version: serviceVersion,
	})
	logger.Info().Str("env", cfg.Environment).Msg("Starting OPCUAgua")

	// Initialize metrics
	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, logger, metricsRegistry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open store")
	}

	// Load seed data
	seed, err := config.LoadSeed(cfg.SeedPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load seed data")
	}
	if err := seed.Apply(ctx, store, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to apply seed data")
	}

	// Real-time channel
	hub := websocket.NewHub(websocket.Config{
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingInterval:   cfg.WebSocket.PingInterval,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, logger, metricsRegistry)

	events := service.MultiPublisher{hub}

	// Optional event bridges
	var mqttPublisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		mqttPublisher = mqtt.NewPublisher(mqtt.PublisherConfig{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			CleanSession:   cfg.MQTT.CleanSession,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, logger)
		// The client keeps retrying in the background when the first attempt fails.
		if err := mqttPublisher.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("MQTT broker not reachable yet")
		}
		events = append(events, mqttPublisher)
	}

	var natsPublisher *natsbridge.Publisher
	if cfg.NATS.Enabled {
		natsPublisher, err = natsbridge.Connect(natsbridge.PublisherConfig{
			Servers:       cfg.NATS.Servers,
			Name:          serviceName,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		events = append(events, natsPublisher)
	}

	batcher := websocket.NewBatcher(events, cfg.WebSocket.BatchWindow, logger, metricsRegistry)

	// OPC UA adapters
	connManager := opcua.NewConnectionManager(opcua.ConnectionConfig{
		DialTimeout:     cfg.OPCUA.DialTimeout,
		RequestTimeout:  cfg.OPCUA.RequestTimeout,
		SessionTimeout:  cfg.OPCUA.SessionTimeout,
		HealthInterval:  cfg.OPCUA.HealthInterval,
		ApplicationURI:  cfg.OPCUA.ApplicationURI,
		ApplicationName: cfg.OPCUA.ApplicationName,
		PKIDir:          cfg.OPCUA.PKIDir,
		CertificateFile: cfg.OPCUA.CertificateFile,
		PrivateKeyFile:  cfg.OPCUA.PrivateKeyFile,
		Reconnect: opcua.ReconnectConfig{
			MaxAttempts:  cfg.OPCUA.Reconnect.MaxAttempts,
			InitialDelay: cfg.OPCUA.Reconnect.InitialDelay,
			MaxDelay:     cfg.OPCUA.Reconnect.MaxDelay,
			Multiplier:   cfg.OPCUA.Reconnect.Multiplier,
			AddJitter:    cfg.OPCUA.Reconnect.Jitter,
		},
	}, opcua.DialGopcua, logger, metricsRegistry)

	subManager := opcua.NewSubscriptionManager(connManager, store, domain.DefaultSubscriptionSettings(), logger, metricsRegistry)
	subManager.SetValueHandler(batcher.Add)

	browser := opcua.NewBrowser(connManager, cfg.OPCUA.MaxBrowseReferences, logger, metricsRegistry)

	correlator := service.NewCorrelator(service.CorrelatorConfig{
		Timeout:       cfg.Correlation.Timeout,
		SweepInterval: cfg.Correlation.SweepInterval,
		QueueSize:     cfg.Correlation.QueueSize,
	}, logger, metricsRegistry)

	// Initialize monitor service
	monitor := service.NewMonitorService(service.MonitorConfig{
		BrowseWorkers:   cfg.Correlation.Workers,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, store, connManager, subManager, browser, correlator, events, logger, metricsRegistry)
	hub.SetCommandHandler(monitor)

	if err := monitor.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start monitor service")
	}

	// Initialize health checker
	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	}, logger)
	healthChecker.AddCheck("store", store.Ping, true)
	healthChecker.AddCheck("opcua", func(context.Context) error {
		if !connManager.IsConnected() {
			return domain.ErrNotConnected
		}
		return nil
	}, false)
	if mqttPublisher != nil {
		healthChecker.AddCheck("mqtt", connectedCheck("mqtt", mqttPublisher.IsConnected), false)
	}
	if natsPublisher != nil {
		healthChecker.AddCheck("nats", connectedCheck("nats", natsPublisher.IsConnected), false)
	}

	// Start HTTP server for the API, the real-time channel, health and metrics
	mux := http.NewServeMux()
	api := httpapi.NewServer(monitor, store, logger)
	api.AddStats("websocket", func() map[string]interface{} {
		return map[string]interface{}{"clients": hub.ClientCount()}
	})
	if mqttPublisher != nil {
		api.AddStats("mqtt", mqttPublisher.Stats)
	}
	if natsPublisher != nil {
		api.AddStats("nats", natsPublisher.Stats)
	}
	api.Register(mux)
	mux.Handle("/ws", hub)
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LiveHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadyHandler)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start HTTP server in goroutine
	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	runShutdown(shutdownCtx, logger, shutdownSteps(httpServer, hub, monitor, batcher, mqttPublisher, natsPublisher, store))

	logger.Info().Msg("OPCUAgua shutdown complete")
}

// shutdownStep is one stage of the graceful shutdown.
type shutdownStep struct {
	name string
	run  func(ctx context.Context) error
}

// shutdownSteps orders the teardown. Inbound traffic stops first so no
// command can open a session after the monitor has cleared it.
func shutdownSteps(
	httpServer *http.Server,
	hub *websocket.Hub,
	monitor *service.MonitorService,
	batcher *websocket.Batcher,
	mqttPublisher *mqtt.Publisher,
	natsPublisher *natsbridge.Publisher,
	store domain.Store,
) []shutdownStep {
	steps := []shutdownStep{
		{name: "http", run: httpServer.Shutdown},
		{name: "websocket", run: func(ctx context.Context) error { return hub.Close(ctx) }},
		{name: "monitor", run: func(ctx context.Context) error { return monitor.Shutdown(ctx) }},
		{name: "batcher", run: func(context.Context) error {
			batcher.Stop()
			return nil
		}},
	}
	if mqttPublisher != nil {
		steps = append(steps, shutdownStep{name: "mqtt", run: func(context.Context) error {
			mqttPublisher.Disconnect()
			return nil
		}})
	}
	if natsPublisher != nil {
		steps = append(steps, shutdownStep{name: "nats", run: func(context.Context) error {
			natsPublisher.Close()
			return nil
		}})
	}
	return append(steps, shutdownStep{name: "store", run: func(context.Context) error {
		store.Close()
		return nil
	}})
}

// runShutdown runs every step in order; a failing step does not stop the rest.
func runShutdown(ctx context.Context, logger zerolog.Logger, steps []shutdownStep) {
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			logger.Error().Err(err).Str("step", step.name).Msg("Error during shutdown")
		}
	}
}

// openStore returns the configured persistence adapter.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metricsRegistry *metrics.Registry) (domain.Store, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn().Msg("Using in-memory store, data is lost on restart")
		return memory.NewStore(), nil
	}

	store, err := postgres.NewStore(ctx, postgres.Config{
		DSN:             cfg.Database.DSN,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Database,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		PoolSize:        cfg.Database.PoolSize,
		MaxIdleTime:     cfg.Database.MaxIdleTime,
		Migrate:         cfg.Database.Migrate,
		BreakerFailures: cfg.Database.BreakerFailures,
		BreakerTimeout:  cfg.Database.BreakerTimeout,
	}, logger, metricsRegistry)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func connectedCheck(name string, connected func() bool) health.CheckFunc {
	return func(context.Context) error {
		if !connected() {
			return fmt.Errorf("%s not connected", name)
		}
		return nil
	}
}
