package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine",
	Long: `Run the scheduling and monitoring loops until interrupted.

Resource instances listed in --manifest are registered on start. Instances
registered in earlier runs are reloaded from the configured store.

The HTTP API is served on api.addr. The metrics address serves a read-only
view of the same API alongside /metrics and the health probes.

Examples:
  # Run with defaults and an in-memory store
  burrow run

  # Serve the API on all interfaces
  burrow run --api-addr 0.0.0.0:8080

  # Enact limits through containerd and persist snapshots with bbolt
  BURROW_STORAGE_DRIVER=bolt burrow run --containerd /run/containerd/containerd.sock`,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().StringP("manifest", "f", "", "Manifest whose resources are registered on start")
	runCmd.Flags().String("containerd", "", "containerd socket used to enact limits")
	runCmd.Flags().String("namespace", runtime.DefaultNamespace, "containerd namespace of workload containers")
	runCmd.Flags().String("metrics-addr", "", "Address serving /metrics and health endpoints")
	runCmd.Flags().String("api-addr", "", "Address serving the HTTP API")
	_ = v.BindPFlag("metrics.addr", runCmd.Flags().Lookup("metrics-addr"))
	_ = v.BindPFlag("api.addr", runCmd.Flags().Lookup("api-addr"))
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.WithComponent("cli")

	opts := manager.Options{}
	if socket, _ := cmd.Flags().GetString("containerd"); socket != "" {
		namespace, _ := cmd.Flags().GetString("namespace")
		limiter, err := runtime.NewContainerdLimiter(socket, namespace)
		if err != nil {
			return err
		}
		defer limiter.Close()
		opts.Limiter = limiter
	}

	mgr, err := manager.NewManager(cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if path, _ := cmd.Flags().GetString("manifest"); path != "" {
		m, err := LoadManifest(path)
		if err != nil {
			mgr.Stop()
			return err
		}
		for _, r := range m.Resources {
			err := mgr.RegisterResource(ctx, r.Instance(), r.Config)
			if err != nil && !errors.Is(err, types.ErrDuplicateResource) {
				mgr.Stop()
				return fmt.Errorf("failed to register %s: %w", r.ID, err)
			}
		}
	}

	var servers []*api.Server
	if cfg.API.Enabled {
		servers = append(servers, api.NewServer(mgr, api.Config{Addr: cfg.API.Addr}))
	}
	if cfg.Metrics.Enabled && (!cfg.API.Enabled || cfg.Metrics.Addr != cfg.API.Addr) {
		servers = append(servers, api.NewServer(mgr, api.Config{Addr: cfg.Metrics.Addr, ReadOnly: true}))
	}

	errCh := make(chan error, len(servers))
	for _, server := range servers {
		go func(server *api.Server) {
			if err := server.Start(); err != nil {
				errCh <- err
			}
		}(server)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Engine is running. Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
	case err = <-errCh:
		logger.Error().Err(err).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, server := range servers {
		if stopErr := server.Stop(shutdownCtx); stopErr != nil {
			logger.Warn().Err(stopErr).Msg("Failed to stop server")
		}
	}
	if stopErr := mgr.Stop(); stopErr != nil {
		return stopErr
	}
	return err
}
