// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/meshprobe/config"
	"github.com/absmach/meshprobe/harness"
	"github.com/absmach/meshprobe/mesh"
	"github.com/absmach/meshprobe/metrics"
	mptls "github.com/absmach/meshprobe/pkg/tls"
	"github.com/absmach/meshprobe/transport"
	"github.com/absmach/meshprobe/transport/amqp10"
	"github.com/absmach/meshprobe/transport/memory"
	"github.com/absmach/meshprobe/worker"
	"github.com/google/uuid"
)

var errScenarioFailed = errors.New("scenario did not complete")

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	selftest := flag.Bool("selftest", false, "Run the scenario against an in-process router")
	waitNodes := flag.Int("wait-nodes", 0, "Wait until the first router sees this many mesh nodes")
	waitTimeout := flag.Duration("wait-timeout", time.Minute, "How long to wait for mesh nodes")
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
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, logger, *selftest, *waitNodes, *waitTimeout); err != nil {
		slog.Error("meshprobe failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, selftest bool, waitNodes int, waitTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		shutdown, err := metrics.InitProvider(ctx, cfg.Telemetry, uuid.NewString())
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Error("Failed to shutdown OpenTelemetry", "error", err)
			}
		}()
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint,
			"metrics", cfg.Telemetry.MetricsEnabled, "traces", cfg.Telemetry.TracesEnabled)

		if m, err = metrics.New(nil, nil); err != nil {
			return err
		}
	}

	var dialer transport.Dialer
	if selftest {
		nodes := make([]memory.Node, 0, len(cfg.Inventory.Routers))
		for _, r := range cfg.Inventory.Routers {
			nodes = append(nodes, memory.Node{Name: r.Name, ID: r.Name})
		}
		dialer = memory.New(memory.WithLogger(logger), memory.WithNodes(nodes...))
		slog.Info("Running against in-process router", "nodes", len(nodes))
	} else {
		dialer = amqp10.NewFromConfig(cfg.Transport, logger)
		slog.Info("Transport configured", "sasl", cfg.Transport.SASLMechanism,
			"tls", tlsStatus(cfg.Transport.TLS))
	}

	if waitNodes > 0 && len(cfg.Inventory.Routers) > 0 {
		if err := awaitMesh(ctx, dialer, cfg.Inventory.Routers[0], logger, waitNodes, waitTimeout); err != nil {
			return err
		}
	}

	scenario, err := harness.NewScenario(cfg, logger, worker.WithDialer(dialer), worker.WithMetrics(m))
	if err != nil {
		return err
	}
	slog.Info("Starting scenario", "address", scenario.Address, "receivers", len(scenario.Receivers),
		"senders", len(scenario.Senders), "external", len(scenario.External))

	res, err := scenario.Run(ctx)
	res.Render(os.Stdout)
	if err != nil {
		return err
	}
	if res.Failed() {
		return errScenarioFailed
	}
	return nil
}

func awaitMesh(ctx context.Context, d transport.Dialer, router config.RouterConfig, logger *slog.Logger, n int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mgmt, err := mesh.Connect(ctx, d, harness.URL(router, ""), logger)
	if err != nil {
		return err
	}
	defer mgmt.Close(context.WithoutCancel(ctx))

	nodes, err := mesh.WaitForNodes(ctx, mgmt, n, time.Second)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		slog.Info("Mesh node visible", "router", router.Name, "node", node.Name, "next_hop", node.NextHop, "cost", node.Cost)
	}
	return nil
}

func tlsStatus(c config.TLSConfig) string {
	if c.CAFile == "" && c.CertFile == "" && !c.InsecureSkipVerify {
		return "system roots"
	}
	tc, err := mptls.LoadClientConfig(c, c.ServerName)
	if err != nil {
		return "invalid: " + err.Error()
	}
	return mptls.SecurityStatus(tc)
}
