package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi_gateway/ble"
	"github.com/mjasion/balena-home/ruuvi_gateway/config"
	"github.com/mjasion/balena-home/ruuvi_gateway/ingest"
	"github.com/mjasion/balena-home/ruuvi_gateway/mqtt"
	"github.com/mjasion/balena-home/ruuvi_gateway/names"
	"github.com/mjasion/balena-home/ruuvi_gateway/profiling"
	"github.com/mjasion/balena-home/ruuvi_gateway/remotewrite"
	"github.com/mjasion/balena-home/ruuvi_gateway/server"
	"github.com/mjasion/balena-home/ruuvi_gateway/store"
	"github.com/mjasion/balena-home/ruuvi_gateway/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ruuvi_gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadArgs(os.Args[1:])
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	cfg.PrintConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		logger.Warn("failed to start profiler, continuing without it", zap.Error(err))
	}

	instruments, err := telemetry.NewInstruments(nil)
	if err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	var mapping *names.Mapping
	if cfg.Server.MacMapping != "" {
		mapping, err = names.Load(cfg.Server.MacMapping)
		if err != nil {
			return fmt.Errorf("failed to load mac mapping: %w", err)
		}
		logger.Info("loaded mac mapping", zap.String("path", cfg.Server.MacMapping), zap.Int("entries", mapping.Len()))
	}

	st := store.New()
	ingester := ingest.New(st, logger, instruments)
	srv := server.New(cfg.Server, cfg.ListenAddress(), st, ingester, mapping, logger)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	var subscriber *mqtt.Subscriber
	if cfg.MQTT.Enabled {
		subscriber = mqtt.NewSubscriber(cfg.MQTT, ingester, logger.Named("mqtt"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := subscriber.Connect(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("mqtt: %w", err)
			}
		}()
	}

	var scanner *ble.Scanner
	if cfg.BLE.Enabled {
		scanner = ble.New(cfg.BLE, ingester, logger.Named("ble"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := scanner.Start(ctx); err != nil {
				errCh <- fmt.Errorf("ble: %w", err)
			}
		}()
	}

	if cfg.RemoteWrite.Enabled {
		pusher := remotewrite.New(cfg.RemoteWrite, st, mapping, instruments, logger.Named("remotewrite"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pusher.Start(ctx); err != nil {
				errCh <- fmt.Errorf("remote write: %w", err)
			}
		}()
	}

	logger.Info("ruuvi gateway exporter started", zap.String("listen_address", cfg.ListenAddress()))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("component failed, shutting down", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down HTTP server", zap.Error(err))
	}
	if subscriber != nil {
		subscriber.Disconnect()
	}
	if scanner != nil {
		if err := scanner.Stop(); err != nil {
			logger.Warn("failed to stop BLE scan", zap.Error(err))
		}
	}

	wg.Wait()

	if err := profiler.Stop(); err != nil {
		logger.Error("failed to stop profiler", zap.Error(err))
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down OpenTelemetry", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}
