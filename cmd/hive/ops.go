package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberhive/hive/pkg/config"
	"github.com/emberhive/hive/pkg/slaves"
	"github.com/emberhive/hive/pkg/supervisor"
	"github.com/emberhive/hive/pkg/transport"
)

var addSlaveCapabilities []string

var addSlaveCmd = &cobra.Command{
	Use:   "add-slave <host:port> <token>",
	Short: "Register a remote slave with the master registry",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, port, err := parseHostPort(args[0])
		if err != nil {
			return usageErrf("invalid slave address %q: %v", args[0], err)
		}

		cfg := config.FromEnv()
		mgr := newSlaveManager(cfg)
		if err := mgr.Load(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		slave, err := mgr.Register(ctx, host, port, args[1], addSlaveCapabilities)
		if err != nil {
			return err
		}

		fmt.Printf("registered slave %s (status: %s, commit: %s)\n",
			slave.ID, slave.Status, orDash(slave.LastSeenCommit))
		return nil
	},
}

var installSlaveCmd = &cobra.Command{
	Use:   "install-slave <host:port>",
	Short: "Run the staged software install on a registered slave",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		mgr := newSlaveManager(cfg)
		if err := mgr.Load(); err != nil {
			return err
		}
		if _, ok := mgr.Get(args[0]); !ok {
			return fmt.Errorf("unknown slave %s, register it with add-slave first", args[0])
		}

		repoURL := envOr("HIVE_REPO_URL", "https://github.com/emberhive/hive.git")
		installDir := envOr("HIVE_INSTALL_DIR", "/opt/hive")
		installer := slaves.NewInstaller(mgr, slaves.DefaultStages(repoURL, installDir))

		report := installer.Install(context.Background(), args[0])
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))

		if !report.Success {
			return fmt.Errorf("install failed on slave %s", args[0])
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervisor and master status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()

		if data, err := os.ReadFile(cfg.LockfilePath()); err == nil {
			var lock supervisor.Lockfile
			if err := json.Unmarshal(data, &lock); err == nil {
				fmt.Printf("supervisor: pid %d, up since %s, components %v\n",
					lock.PID, lock.StartedAt.Format(time.RFC3339), lock.Components)
			}
		} else {
			fmt.Println("supervisor: not running")
		}

		client := transport.NewClient(transport.Config{MaxAttempts: 1, RequestTimeout: 5 * time.Second})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		data, err := client.Get(ctx, "http://"+masterClientAddr(cfg)+"/stats", nil)
		if err != nil {
			fmt.Println("master: unreachable")
			return nil
		}

		var pretty json.RawMessage = data
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("master stats:\n%s\n", out)
		return nil
	},
}

func init() {
	addSlaveCmd.Flags().StringSliceVar(&addSlaveCapabilities, "capability", nil, "capability tag the slave advertises (repeatable)")
}

func newSlaveManager(cfg *config.Snapshot) *slaves.Manager {
	client := transport.NewClient(transport.Config{
		MaxAttempts:      cfg.MaxAttempts,
		CircuitThreshold: cfg.CircuitThreshold,
		CircuitCooldown:  cfg.CircuitCooldown,
	})
	return slaves.NewManager(slaves.Config{
		Path:           cfg.SlavesConfigPath(),
		HealthInterval: cfg.HealthInterval,
	}, client, resolveProbe(), nil)
}

func parseHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// masterClientAddr turns the bind address into something dialable; a
// wildcard bind means the master is local.
func masterClientAddr(cfg *config.Snapshot) string {
	host := cfg.MasterHost
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.MasterPort))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
