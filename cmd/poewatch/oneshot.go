package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/exaviz/poewatch/internal/config"
	"github.com/exaviz/poewatch/internal/poe"
	"github.com/exaviz/poewatch/pkg/models"
	"github.com/exaviz/poewatch/pkg/plugin"
)

// detectOutput is what "poewatch detect" prints.
type detectOutput struct {
	Capabilities models.BoardCapabilities `json:"capabilities"`
	TotalPorts   int                      `json:"total_poe_ports"`
	System       models.SystemInfo        `json:"system"`
}

// runDetect prints the detected board and system information.
func runDetect(args []string) int {
	return oneShot("detect", args, func(ctx context.Context, c *poe.Coordinator, env *poe.Environment) (any, error) {
		return detectOutput{
			Capabilities: env.Capabilities,
			TotalPorts:   env.Capabilities.TotalPorts(),
			System:       env.System,
		}, nil
	})
}

// runSnapshot polls every port once and prints the snapshot.
func runSnapshot(args []string) int {
	return oneShot("snapshot", args, func(ctx context.Context, c *poe.Coordinator, _ *poe.Environment) (any, error) {
		return c.Refresh(ctx)
	})
}

func oneShot(name string, args []string, fn func(context.Context, *poe.Coordinator, *poe.Environment) (any, error)) int {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	timeout := fs.Duration("timeout", time.Minute, "give up after this long")
	_ = fs.Parse(args)

	v, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	// Keep stdout clean for the JSON result.
	if v.GetString("logging.level") == "info" {
		v.Set("logging.level", "warn")
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	m := poe.New(poe.WithRegisterer(nil))
	if err := m.Init(ctx, plugin.Dependencies{
		Config: config.New(v).Sub("plugins.poe"),
		Logger: logger.Named("poe"),
	}); err != nil {
		logger.Error("init failed", zap.Error(err))
		return 1
	}
	c := m.Coordinator()
	env, err := c.Setup(ctx)
	if err != nil {
		logger.Error("board detection failed", zap.Error(err))
		return 1
	}

	out, err := fn(ctx, c, env)
	if err != nil {
		logger.Error(name+" failed", zap.Error(err))
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}
