// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Glimmer Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimmerdesk/glimmer/internal/bus"
	"github.com/glimmerdesk/glimmer/internal/config"
	"github.com/glimmerdesk/glimmer/internal/control"
	"github.com/glimmerdesk/glimmer/internal/logging"
	"github.com/glimmerdesk/glimmer/internal/observability"
	"github.com/glimmerdesk/glimmer/internal/plugin"
	"github.com/glimmerdesk/glimmer/internal/plugin/native"
	"github.com/glimmerdesk/glimmer/internal/service"
)

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the glimmer daemon",
		Long: `Start the glimmer daemon which loads native plugins, runs the shared
tick scheduler, and serves the control socket.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg, cmd)
		},
	}

	// Flag names match the config file keys; flags win over the file.
	cmd.Flags().String("plugins-dir", "", "installed plugins directory")
	cmd.Flags().String("native-plugins-dir", "", "loose native libraries directory")
	cmd.Flags().Int64("tick-interval-ms", 1000, "shared scheduler period in milliseconds")
	cmd.Flags().Bool("validate-services", true, "validate broadcast data against service schemas")
	cmd.Flags().String("metrics-addr", "127.0.0.1:9100", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("socket-path", "", "control socket path")
	cmd.Flags().String("log-format", "json", "log format (json or text)")

	return cmd
}

func runDaemon(ctx context.Context, cfg *config.Config, cmd *cobra.Command) error {
	logging.SetDefault("glimmer", version, cfg.LogFormat)
	logger := slog.Default()

	slog.Info("starting glimmer daemon",
		"plugins_dir", cfg.PluginsDir,
		"native_plugins_dir", cfg.NativePluginsDir,
		"tick_interval_ms", cfg.TickIntervalMS,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	broadcaster := bus.NewBroadcaster(logger)

	// Observability server first so the registry and scheduler can feed it.
	var obsServer *observability.Server
	var metrics *observability.Metrics
	if cfg.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.MetricsAddr, func() bool { return true })
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		metrics = obsServer.Metrics()
	}

	registryOpts := []service.Option{service.WithValidation(cfg.ValidateServices)}
	if metrics != nil {
		registryOpts = append(registryOpts, service.WithBroadcastObserver(func(serviceID, outcome string) {
			metrics.BroadcastsTotal.WithLabelValues(serviceID, outcome).Inc()
		}))
	}
	registry := service.NewRegistry(broadcaster, logger, registryOpts...)

	loader := plugin.NewLoader(cfg.PluginsDir)
	mgr := native.NewManager(cfg.NativePluginsDir, meteredEmitter{registry: registry}, logger)
	handle := native.NewHandle(mgr)

	if metrics != nil {
		handle.SetTickObserver(func(elapsed time.Duration) {
			metrics.TickCycles.Inc()
			metrics.TickCycleDuration.Observe(elapsed.Seconds())
		})
	}

	if _, err := handle.DiscoverAndLoad(); err != nil {
		return err
	}
	if _, err := handle.LoadFromInstalled(loader); err != nil {
		return err
	}

	rt := &daemonRuntime{handle: handle, registry: registry, loader: loader, metrics: metrics}
	rt.updateGauge()

	controlServer := control.NewServer(cfg.SocketPath, rt, func() { cancel() })
	if err := controlServer.Start(); err != nil {
		return err
	}
	slog.Info("control socket listening", "path", cfg.SocketPath)

	handle.StartTickLoop(ctx, time.Duration(cfg.TickIntervalMS)*time.Millisecond)

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Glimmer daemon started")
	slog.Info("glimmer daemon ready", "plugins", len(handle.ListPlugins()))

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	// Graceful shutdown
	slog.Info("shutting down...")
	cancel()
	handle.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := controlServer.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping control socket server", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	handle.ShutdownAll()

	slog.Info("shutdown complete")
	return nil
}

// monitorServerErrors cancels the run context when a background server fails.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			slog.Error("background server failed", "server", name, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}

// meteredEmitter routes plugin events into the registry and counts
// rejections.
type meteredEmitter struct {
	registry *service.Registry
}

func (e meteredEmitter) EmitPluginEvent(pluginID, eventName string, payload []byte) error {
	err := e.registry.EmitPluginEvent(pluginID, eventName, payload)
	if err != nil {
		observability.RecordEmitRejection(pluginID)
	}
	return err
}

// daemonRuntime adapts the plugin handle and the service registry to the
// control surface.
type daemonRuntime struct {
	handle   *native.Handle
	registry *service.Registry
	loader   *plugin.Loader
	metrics  *observability.Metrics
}

func (rt *daemonRuntime) updateGauge() {
	if rt.metrics != nil {
		rt.metrics.PluginsLoaded.Set(float64(len(rt.handle.ListPlugins())))
	}
}

func (rt *daemonRuntime) ListPlugins() []native.Info {
	return rt.handle.ListPlugins()
}

func (rt *daemonRuntime) LoadPlugin(path string) (string, error) {
	id, err := rt.handle.LoadPlugin(path)
	rt.updateGauge()
	return id, err
}

func (rt *daemonRuntime) LoadPluginByID(id string) error {
	err := rt.handle.LoadPluginByID(id, rt.loader)
	rt.updateGauge()
	return err
}

func (rt *daemonRuntime) UnloadPlugin(id string) error {
	err := rt.handle.UnloadPlugin(id)
	rt.updateGauge()
	return err
}

func (rt *daemonRuntime) SendMessage(id, msgType string, payload []byte) (int32, error) {
	return rt.handle.SendMessage(id, msgType, payload)
}

func (rt *daemonRuntime) ListServices() []service.ProviderInfo {
	return rt.registry.ListProviders()
}

func (rt *daemonRuntime) RegisterService(serviceID, pluginID string, schema any) error {
	return rt.registry.RegisterProvider(serviceID, pluginID, schema)
}

func (rt *daemonRuntime) UnregisterService(serviceID string) {
	rt.registry.UnregisterProvider(serviceID)
}

func (rt *daemonRuntime) Subscribe(serviceID, subscriberID string) {
	_ = rt.registry.Subscribe(serviceID, subscriberID)
}

func (rt *daemonRuntime) Unsubscribe(serviceID, subscriberID string) {
	rt.registry.Unsubscribe(serviceID, subscriberID)
}

func (rt *daemonRuntime) Broadcast(serviceID string, data any) error {
	return rt.registry.Broadcast(serviceID, data)
}

func (rt *daemonRuntime) BroadcastValidated(serviceID string, data any) error {
	return rt.registry.BroadcastValidated(serviceID, data)
}
