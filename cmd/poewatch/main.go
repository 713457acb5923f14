// Command poewatch is the Exaviz PoE host agent. It detects the carrier
// board, polls every PoE port, and serves the results over HTTP, a
// WebSocket stream and Prometheus metrics. Snapshots can also be published
// to an MQTT broker for Home Assistant and posted to a webhook when ports
// change state. Port admin state can be persisted and reapplied after a
// reboot.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/exaviz/poewatch/internal/config"
	"github.com/exaviz/poewatch/internal/event"
	"github.com/exaviz/poewatch/internal/mqtt"
	"github.com/exaviz/poewatch/internal/poe"
	"github.com/exaviz/poewatch/internal/portstate"
	"github.com/exaviz/poewatch/internal/registry"
	"github.com/exaviz/poewatch/internal/server"
	"github.com/exaviz/poewatch/internal/version"
	"github.com/exaviz/poewatch/internal/webhook"
	"github.com/exaviz/poewatch/internal/ws"
	"github.com/exaviz/poewatch/pkg/plugin"
)

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println(version.Info())
			return
		case "detect":
			os.Exit(runDetect(os.Args[2:]))
		case "snapshot":
			os.Exit(runSnapshot(os.Args[2:]))
		}
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}
	os.Exit(run(*configPath))
}

func run(configPath string) int {
	// Configuration first, so log level and format can be configured.
	v, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	cfg := config.New(v)

	logger, err := config.NewLogger(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("poewatch starting", zap.String("version", version.Short()))
	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults", zap.String("component", "config"))
	}

	srvCfg, err := server.ConfigFrom(v)
	if err != nil {
		logger.Error("invalid server configuration", zap.Error(err))
		return 1
	}

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := event.NewBus(logger.Named("event"))
	reg := registry.New(logger.Named("registry"))

	poeModule := poe.New(poe.WithRegisterer(metricsReg))
	// poe first: the others depend on it.
	for _, p := range []plugin.Plugin{poeModule, portstate.New(), mqtt.New(), webhook.New()} {
		if err := reg.Register(p); err != nil {
			logger.Error("failed to register plugin",
				zap.String("plugin", p.Info().Name),
				zap.Error(err),
			)
			return 1
		}
	}
	if err := reg.Validate(); err != nil {
		logger.Error("plugin validation failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("plugins." + name),
			Logger:  logger.Named(name),
			Bus:     bus,
			Plugins: reg,
		}
	}); err != nil {
		logger.Error("failed to initialize plugins", zap.Error(err))
		return 1
	}

	// The stream subscribes before the first poll so no snapshot is missed.
	wsHandler := ws.NewHandler(bus, ws.Options{
		OriginPatterns: v.GetStringSlice("server.allowed_origins"),
	}, logger.Named("ws"))
	defer wsHandler.Close()

	if err := reg.StartAll(ctx); err != nil {
		logger.Error("failed to start plugins", zap.Error(err))
		return 1
	}

	opts := server.Options{
		Config:  srvCfg,
		Plugins: reg,
		Ready:   poeModule.Ready,
		Extra:   []server.RouteRegistrar{wsHandler},
	}
	if v.GetBool("metrics.enabled") {
		opts.Gatherer = metricsReg
		opts.Metrics = server.NewHTTPMetrics(metricsReg)
	}
	srv := server.New(opts, logger.Named("server"))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("poewatch ready", zap.String("addr", srvCfg.Addr()))

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			exitCode = 1
		}
	}

	timeout := srvCfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	reg.StopAll(shutdownCtx)

	logger.Info("poewatch stopped")
	return exitCode
}
