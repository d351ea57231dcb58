// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Yellowbox-AU/debugbridge"
	"github.com/Yellowbox-AU/debugbridge/examples/simple"
	"github.com/Yellowbox-AU/debugbridge/pkg/device"
	"github.com/Yellowbox-AU/debugbridge/pkg/discovery"
	"github.com/Yellowbox-AU/debugbridge/pkg/health"
	"github.com/Yellowbox-AU/debugbridge/pkg/metrics"
	"github.com/Yellowbox-AU/debugbridge/pkg/proxy"
	"github.com/Yellowbox-AU/debugbridge/pkg/session"
	"github.com/Yellowbox-AU/debugbridge/pkg/transport/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveFlags struct {
	deviceID string
	appID    string
	mode     string
	watch    bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the inspector of an application as a local endpoint",
	Long: `Expose the inspector of an application running on a device.

In websocket mode a DevTools endpoint is opened on the first free port of the
configured range and "Opened localhost <port>" is logged once it is ready.
In tcp mode the inspector byte stream is served unmodified on a unix socket
or tcp listener.

Without --watch the bridge exits once the frontend disconnects.

Examples:
  debugbridge serve --device 00008030-001A --app org.nativescript.demo
  debugbridge serve --device 00008030-001A --app org.nativescript.demo --mode tcp`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.deviceID, "device", "d", "", "device identifier")
	serveCmd.Flags().StringVarP(&serveFlags.appID, "app", "a", "", "application identifier")
	serveCmd.Flags().StringVar(&serveFlags.mode, "mode", string(proxy.ModeWebSocket), "frontend endpoint mode (websocket, tcp)")
	serveCmd.Flags().BoolVarP(&serveFlags.watch, "watch", "w", false, "keep serving after the frontend disconnects")
	serveCmd.MarkFlagRequired("device")
	serveCmd.MarkFlagRequired("app")
}

func runServe(cmd *cobra.Command, args []string) error {
	mode := proxy.Mode(serveFlags.mode)
	if !mode.Valid() {
		return fmt.Errorf("unsupported mode %q", serveFlags.mode)
	}

	cfg, envLoaded, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.watch {
		cfg.Watch = true
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if !envLoaded {
		logger.Debug("no env file found, using environment variables", slog.String("path", envFile))
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("debugbridge", reg)

	inventory := device.NewInventory(cfg.DevicesFile, logger)
	if err := inventory.Load(); err != nil {
		return err
	}
	dev, ok := inventory.Lookup(serveFlags.deviceID)
	if !ok {
		logger.Warn("device not in inventory, assuming a wired connection",
			slog.String("device", serveFlags.deviceID),
			slog.String("path", cfg.DevicesFile))
		dev = device.Device{Identifier: serveFlags.deviceID, DisplayName: serveFlags.deviceID}
	}

	client := mux.NewClient(mux.Config{
		Network: cfg.MuxNetwork,
		Address: cfg.MuxAddress,
		Logger:  logger,
	})
	defer client.Close()

	watcher := discovery.New(discovery.Config{
		Logs:         client,
		Notifier:     client,
		StartTimeout: cfg.LogStreamStartTimeout,
		Logger:       logger,
	})
	defer watcher.Close()

	h := &sessionHandler{
		Handler: simple.New(logger),
		watch:   cfg.Watch,
		stop:    cancel,
	}
	registry := proxy.New(registryConfig(cfg, watcher, client, inventory, m, logger), h)

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	g.Go(func() error {
		if err := inventory.Watch(ctx); err != nil {
			logger.Warn("devices file not watched", slog.String("error", err.Error()))
		}
		return nil
	})

	if cfg.MetricsPort > 0 {
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", cfg.MetricsPort, metricsHandler(reg), logger)
		})
	}

	if cfg.HealthPort > 0 {
		checker := health.NewChecker(5 * time.Second)
		checker.RegisterCritical("device_daemon", client.Ping)
		checker.Register("inventory", func(ctx context.Context) error {
			if len(inventory.Devices()) == 0 {
				return errors.New("no devices in inventory")
			}
			return nil
		})
		report := func() any {
			return map[string]any{
				"stats":   registry.Stats(),
				"proxies": registry.Snapshot(),
			}
		}
		g.Go(func() error {
			return serveHTTP(ctx, "health", cfg.HealthPort, checker.Mux(report), logger)
		})
	}

	ep, err := registry.GetOrCreateProxy(ctx, dev, serveFlags.appID, mode)
	if err != nil {
		cancel()
		g.Wait()
		return err
	}
	if ep.Mode == proxy.ModeWebSocket {
		logger.Info("DevTools frontend available", slog.String("url", ep.DevToolsURL()))
	}

	g.Go(func() error {
		for {
			select {
			case <-ep.Done():
			case <-ctx.Done():
				return nil
			}
			// A raw endpoint serves a single frontend.
			if !cfg.Watch || ctx.Err() != nil {
				cancel()
				return nil
			}
			next, err := registry.GetOrCreateProxy(ctx, dev, serveFlags.appID, mode)
			if err != nil {
				return err
			}
			ep = next
		}
	})

	<-ctx.Done()
	logger.Info("shutting down debug bridge")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := registry.RemoveAll(shutdownCtx); err != nil {
		logger.Warn("failed to remove proxies", slog.String("error", err.Error()))
	}

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("debug bridge terminated with error: %s", err))
		return err
	}
	logger.Info("debug bridge stopped")
	return nil
}

func registryConfig(cfg debugbridge.Config, w *discovery.Watcher, t device.Transport, modes device.ModeResolver, m *metrics.Metrics, logger *slog.Logger) proxy.Config {
	return proxy.Config{
		Ports:              w,
		Known:              w,
		Transport:          t,
		Modes:              modes,
		Locker:             session.NewLocker(cfg.LockTimeout),
		WebSocketHost:      cfg.WebSocketHost,
		WebSocketPortStart: cfg.WebSocketPortStart,
		WebSocketPortEnd:   cfg.WebSocketPortEnd,
		RawNetwork:         cfg.RawNetwork,
		RawAddress:         cfg.RawAddress,
		DiscoveryTimeout:   cfg.DiscoveryTimeout,
		ConnectTimeout:     cfg.ConnectTimeout,
		DrainTimeout:       cfg.DrainTimeout,
		ShutdownTimeout:    cfg.ShutdownTimeout,
		Metrics:            m,
		Logger:             logger,
	}
}
