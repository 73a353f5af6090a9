package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/agent"
	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/lease"
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/reconciler"
	"github.com/cuemby/burrow/pkg/resolver"
	"github.com/juju/clock"
	"github.com/spf13/cobra"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run a management server",
	Long: `Run a management server. The first server bootstraps a raft cluster;
later ones pass --join with the API address of a running server.

Only the raft leader runs reconciliation passes.`,
	RunE: runManager,
}

func init() {
	managerCmd.Flags().String("node-id", "manager-1", "Unique node ID")
	managerCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for Raft communication")
	managerCmd.Flags().String("api-addr", "127.0.0.1:7947", "Address for the gRPC API")
	managerCmd.Flags().String("health-addr", "127.0.0.1:9090", "Address for health and metrics endpoints")
	managerCmd.Flags().String("data-dir", "./burrow-data", "Data directory for cluster state")
	managerCmd.Flags().String("config", "", "Path to the YAML config file, reloaded on change")
	managerCmd.Flags().Bool("enable", false, "Enable reconciliation when no config file is given")
	managerCmd.Flags().String("join", "", "API address of a running manager to join")
}

// source returns the config source for the manager: a watched file when
// path is set, otherwise fixed defaults
func source(path, nodeID string, enable bool) (config.Source, func(), error) {
	if path == "" {
		cfg := config.ForServer(nodeID)
		cfg.Enabled = enable
		return config.Static(cfg), func() {}, nil
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		return nil, nil, err
	}
	w.Start()
	return w, w.Stop, nil
}

func runManager(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	healthAddr, _ := cmd.Flags().GetString("health-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configPath, _ := cmd.Flags().GetString("config")
	enable, _ := cmd.Flags().GetBool("enable")
	joinAddr, _ := cmd.Flags().GetString("join")

	logger := log.WithComponent("main")

	src, stopConfig, err := source(configPath, nodeID, enable)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer stopConfig()
	cfg := src.Current()

	metrics.SetVersion(Version)

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  dataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	if joinAddr == "" {
		err = mgr.Bootstrap()
	} else {
		err = join(mgr, joinAddr, nodeID, bindAddr)
	}
	if err != nil {
		_ = mgr.Shutdown()
		return err
	}
	if err := mgr.WaitForLeader(30 * time.Second); err != nil {
		logger.Warn().Err(err).Msg("Starting without a known leader")
	}

	clk := clock.WallClock
	l := ledger.New(mgr, clk)
	transport := agent.NewGRPCTransport()
	prober := agent.NewProber(transport, mgr, agent.NewStoreSelector(mgr), cfg.ProbeRate, cfg.ProbeBurst)
	task := reconciler.NewTask(l, mgr, prober, resolver.New(mgr, clk), clk)
	broker := mgr.GetEventBroker()

	sched := reconciler.NewScheduler(src, reconciler.Deps{
		Ledger:     l,
		Task:       task,
		Locker:     lease.NewStoreLocker(mgr, clk),
		Leadership: mgr,
		Broker:     broker,
		Clock:      clk,
		Holder:     cfg.ManagementServerID,
	})
	sched.Start()

	hosts := reconciler.NewHostMonitor(src, mgr, l, mgr, broker, clk)
	hosts.Start()

	collector := manager.NewMetricsCollector(mgr)
	collector.Start()

	sub := broker.Subscribe()
	go logEvents(sub)

	// Serves agent heartbeats and the dispatch path's Track and Complete
	// calls, which reach the ledger through a tracker owned by this node
	apiServer := api.NewServer(mgr, mgr, l, sched, clk, cfg.ManagementServerID)
	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(apiAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	healthServer := api.NewHealthServer(mgr, mgr, Version)
	go func() {
		if err := healthServer.Start(healthAddr); err != nil {
			errCh <- fmt.Errorf("health server error: %w", err)
		}
	}()

	logger.Info().
		Str("node_id", nodeID).
		Str("management_server_id", cfg.ManagementServerID).
		Str("raft_addr", bindAddr).
		Str("api_addr", apiAddr).
		Str("health_addr", healthAddr).
		Bool("enabled", cfg.Enabled).
		Msg("Manager is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("Server failed, shutting down")
	}

	apiServer.Stop()
	hosts.Stop()
	if err := sched.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Failed to hand off owned records")
	}
	collector.Stop()
	broker.Unsubscribe(sub)
	if err := transport.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close agent connections")
	}
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// join starts raft and asks the manager at addr to add this node
func join(mgr *manager.Manager, addr, nodeID, bindAddr string) error {
	if err := mgr.Join(); err != nil {
		return err
	}

	c, err := client.NewClient(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Join(ctx, nodeID, bindAddr); err != nil {
		return fmt.Errorf("failed to join cluster via %s: %w", addr, err)
	}
	return nil
}

func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		e := logger.Info().Str("event", string(ev.Type)).Str("id", ev.ID)
		for k, v := range ev.Metadata {
			e = e.Str(k, v)
		}
		e.Msg(ev.Message)
	}
}
