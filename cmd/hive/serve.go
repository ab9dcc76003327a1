package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberhive/hive/pkg/api"
	"github.com/emberhive/hive/pkg/config"
	"github.com/emberhive/hive/pkg/events"
	"github.com/emberhive/hive/pkg/executor"
	"github.com/emberhive/hive/pkg/humanreq"
	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/orchestrator"
	"github.com/emberhive/hive/pkg/queue"
	"github.com/emberhive/hive/pkg/registry"
	"github.com/emberhive/hive/pkg/slaves"
	"github.com/emberhive/hive/pkg/storage"
	"github.com/emberhive/hive/pkg/supervisor"
	"github.com/emberhive/hive/pkg/transport"
	"github.com/emberhive/hive/pkg/types"
	"github.com/emberhive/hive/pkg/version"
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the master: scheduler, worker API, and slave health loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		probe := resolveProbe()
		logger := log.WithComponent("main")
		logger.Info().Str("commit", probe.Commit()).Str("addr", cfg.MasterAddr()).Msg("starting orchestrator")

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		archive, err := storage.OpenArchive(cfg.ArchivePath())
		if err != nil {
			return err
		}
		defer archive.Close()

		store, err := humanreq.Open(cfg.HumanRequestsPath(), logNotifier)
		if err != nil {
			return err
		}
		defer store.Close()

		execClient := transport.NewClient(transport.Config{
			MaxAttempts:      cfg.MaxAttempts,
			CircuitThreshold: cfg.CircuitThreshold,
			CircuitCooldown:  cfg.CircuitCooldown,
		})
		slaveMgr := slaves.NewManager(slaves.Config{
			Path:           cfg.SlavesConfigPath(),
			HealthInterval: cfg.HealthInterval,
		}, execClient, probe, broker)
		if err := slaveMgr.Load(); err != nil {
			return err
		}

		q := queue.NewTaskQueue()
		workers := registry.NewWorkerRegistry()
		orch := orchestrator.New(orchestrator.Config{
			SweepInterval:  10 * time.Second,
			LivenessScan:   cfg.LivenessScanInterval,
			HeartbeatTTL:   cfg.HeartbeatTTL,
			DefaultTimeout: cfg.TaskTimeout,
		}, q, workers, slaveMgr, broker, archive)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go slaveMgr.Run(ctx)
		go bridgeSlaveEvents(ctx, broker, store)
		orch.Start(ctx)

		server := api.NewServer(api.Config{
			Addr:     cfg.MasterAddr(),
			PollWait: cfg.PollWait,
		}, orch, workers, probe)
		serverErr := make(chan error, 1)
		go func() { serverErr <- server.ListenAndServe() }()

		select {
		case err := <-serverErr:
			orch.Stop()
			return err
		case <-ctx.Done():
		}

		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("server shutdown failed")
		}
		orch.Stop()
		return nil
	},
}

// bridgeSlaveEvents turns slave quarantine events into durable human
// requests, one per transition.
func bridgeSlaveEvents(ctx context.Context, broker *events.Broker, store *humanreq.Store) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventSlaveUnhealthy:
				slaveID := ev.Metadata["slave_id"]
				_, err := store.Create(
					"slave_unreachable",
					fmt.Sprintf("Slave %s is unreachable", slaveID),
					fmt.Sprintf("Slave %s failed consecutive health probes and was quarantined. Investigate the host or remove the slave.", slaveID),
					8, 0, "slave-manager",
				)
				if err != nil {
					logger := log.WithSlaveID(slaveID)
					logger.Error().Err(err).Msg("failed to create human request")
				}
			case events.EventSlaveVersionMismatch:
				slaveID := ev.Metadata["slave_id"]
				_, err := store.Create(
					"version_drift",
					fmt.Sprintf("Slave %s runs a drifted version", slaveID),
					fmt.Sprintf("Slave %s reports commit %s while the master runs %s. Reinstall or update the slave.",
						slaveID, ev.Metadata["slave_commit"], ev.Metadata["master_commit"]),
					6, 0, "slave-manager",
				)
				if err != nil {
					logger := log.WithSlaveID(slaveID)
					logger.Error().Err(err).Msg("failed to create human request")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// logNotifier is the default notification hook: a structured log line an
// external watcher can tail. Deployments swap in their own transport.
func logNotifier(req *types.HumanRequest) {
	logger := log.WithComponent("notify")
	logger.Warn().
		Str("request_id", req.ID).
		Str("kind", req.Kind).
		Str("state", string(req.State)).
		Str("title", req.Title).
		Msg("human request")
}

var slaveCmd = &cobra.Command{
	Use:   "slave",
	Short: "Run the slave executor HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		if cfg.SlaveToken == "" {
			return fmt.Errorf("SLAVE_TOKEN is required")
		}
		probe := resolveProbe()

		backends := []executor.Backend{}
		image := os.Getenv("EXECUTOR_IMAGE")
		if image != "" {
			container, err := executor.NewContainerBackend(os.Getenv("CONTAINERD_SOCKET"), image)
			if err != nil {
				logger := log.WithComponent("main")
				logger.Warn().Err(err).Msg("container backend unavailable")
			} else {
				defer container.Close()
				backends = append(backends, container)
			}
		}
		venvDir := os.Getenv("HIVE_VENV")
		if venvDir == "" {
			venvDir = ".venv"
		}
		backends = append(backends, executor.NewVenvBackend(venvDir), executor.NewInterpreterBackend())

		roots := []string{cfg.DataDir}
		if extra := os.Getenv("UPLOAD_ROOTS"); extra != "" {
			roots = append(roots, splitList(extra)...)
		}

		server := executor.NewServer(executor.Config{
			Addr:          cfg.SlaveAddr(),
			Token:         cfg.SlaveToken,
			MaxConcurrent: cfg.MaxConcurrentExecutions,
			UploadRoots:   roots,
		}, probe, backends)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		serverErr := make(chan error, 1)
		go func() { serverErr <- server.ListenAndServe() }()

		select {
		case err := <-serverErr:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

var supervisorCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Run the process supervisor over a component manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			return usageErrf("supervisor requires --config with a component manifest")
		}
		cfg := config.FromEnv()
		manifest, err := config.LoadSupervisorConfig(configPath, cfg.RestartBudget)
		if err != nil {
			return err
		}

		sup := supervisor.New(supervisor.Config{
			LockPath:      cfg.LockfilePath(),
			CheckInterval: cfg.CheckInterval,
			DefaultBudget: cfg.RestartBudget,
		}, manifest.Components)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return sup.Run(ctx)
	},
}

// resolveProbe prefers an explicit HIVE_COMMIT over asking git, so slaves
// installed from a tarball still report a comparable version.
func resolveProbe() *version.Probe {
	if commit := os.Getenv("HIVE_COMMIT"); commit != "" {
		return version.FixedProbe(commit, os.Getenv("HIVE_BRANCH"))
	}
	return version.Resolve()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ":") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
