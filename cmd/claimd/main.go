// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/vireo/claimd/config"
	"github.com/vireo/claimd/consumer"
	"github.com/vireo/claimd/coord"
	"github.com/vireo/claimd/lock"
	"github.com/vireo/claimd/server/health"
	"github.com/vireo/claimd/server/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()

	slog.Info("Starting coordinator", "instance_id", instanceID, "version", "0.1.0")
	slog.Info("Configuration loaded",
		"nodes", cfg.Coordinator.Nodes,
		"consumers", len(cfg.Consumers),
		"broker_addr", cfg.MQTT.BrokerAddr,
		"health_enabled", cfg.Server.HealthEnabled,
		"metrics_enabled", cfg.Server.MetricsEnabled,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry metrics enabled", "endpoint", cfg.Server.MetricsAddr)
	}

	registry := consumer.NewRegistry()
	for _, cc := range cfg.Consumers {
		desc := consumer.Descriptor{
			Name:    cc.Name,
			Topics:  cc.Topics,
			Handler: logMessages(logger, cc.Name),
		}
		if err := registry.Register(desc); err != nil {
			slog.Error("Failed to register consumer", "consumer", cc.Name, "error", err)
			os.Exit(1)
		}
	}
	if registry.Len() == 0 {
		slog.Error("No consumers configured")
		os.Exit(1)
	}

	factory := consumer.NewMQTTFactory(consumer.MQTTConfig{
		BrokerAddr:   cfg.MQTT.BrokerAddr,
		ClientPrefix: cfg.MQTT.ClientPrefix + "-" + instanceID[:8],
		QoS:          cfg.MQTT.QoS,
	}, logger)

	// The lock service backs distributed mode only; single-slot mode
	// starts every topic locally.
	var locker lock.Locker
	var etcdClose func()
	if len(cfg.Coordinator.Nodes) > 0 {
		connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Etcd.ConnectWait)
		client, err := lock.Connect(connectCtx, cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, cfg.Etcd.ConnectWait)
		connectCancel()
		if err != nil {
			slog.Error("Failed to connect to lock service", "endpoints", cfg.Etcd.Endpoints, "error", err)
			os.Exit(1)
		}
		etcdClose = func() { client.Close() }
		locker = lock.NewEtcdLocker(client, instanceID, logger)
		slog.Info("Connected to lock service", "endpoints", cfg.Etcd.Endpoints)
	}

	metrics, err := coord.NewMetrics()
	if err != nil {
		slog.Error("Failed to create coordinator metrics", "error", err)
		os.Exit(1)
	}

	mgrCfg := coord.DefaultConfig()
	mgrCfg.Nodes = cfg.Coordinator.Nodes
	mgrCfg.StartDelay = time.Duration(cfg.Coordinator.QueueStartMillisecondsDelay) * time.Millisecond
	mgrCfg.HoldSeconds = cfg.Coordinator.HoldSeconds
	mgrCfg.ClaimInterval = cfg.Coordinator.ClaimInterval
	mgrCfg.ClaimInitialDelay = cfg.Coordinator.ClaimInitialDelay
	mgrCfg.RenewInterval = cfg.Coordinator.RenewInterval
	mgrCfg.HealthInterval = cfg.Coordinator.HealthInterval
	mgrCfg.HealthInitialDelay = cfg.Coordinator.HealthInitialDelay
	mgrCfg.StabilizeDelay = cfg.Coordinator.StabilizeDelay

	manager, err := coord.NewManager(mgrCfg, locker, registry, factory, logger, metrics)
	if err != nil {
		slog.Error("Failed to create coordinator", "error", err)
		os.Exit(1)
	}

	if err := manager.Start(); err != nil {
		slog.Error("Failed to start coordinator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: shutdownTimeout,
		}
		healthServer := health.New(healthCfg, instanceID, manager, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Coordinator started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	manager.Stop()

	if etcdClose != nil {
		etcdClose()
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}

	cancel()
	wg.Wait()
	slog.Info("Coordinator stopped")
}

// logMessages returns a handler that records each delivered message.
// Deployments embed real processing by registering consumers in code;
// config-declared consumers get this audit handler.
func logMessages(logger *slog.Logger, name string) consumer.Handler {
	return func(_ context.Context, topic string, payload []byte) error {
		logger.Info("Message received", "consumer", name, "topic", topic, "bytes", len(payload))
		return nil
	}
}
