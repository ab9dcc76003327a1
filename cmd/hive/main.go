package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/version"
)

var configPath string

// usageError distinguishes operator misuse (exit 2) from operational
// failures (exit 1).
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var usage *usageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Hive - task orchestration for autonomous agent fleets",
	Long: `Hive is a distributed task orchestration system: a master that
schedules work onto local workers and remote slave hosts, a slave
executor with tiered command backends, and a supervisor that keeps the
whole thing alive.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The supervisor's --config is its YAML manifest; every other
		// command treats it as an env file.
		if configPath != "" && cmd.Name() != "supervisor" {
			if err := godotenv.Overload(configPath); err != nil {
				return fmt.Errorf("failed to load config %s: %w", configPath, err)
			}
		} else {
			// Best effort; a missing .env is fine.
			_ = godotenv.Load()
		}
		log.Init(log.Config{
			Level:      log.Level(os.Getenv("LOG_LEVEL")),
			JSONOutput: os.Getenv("LOG_FORMAT") != "console",
			Output:     os.Stderr,
		})
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("hive %s (built %s)\n", version.Version, version.BuildTime))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (env format; YAML manifest for the supervisor)")

	rootCmd.AddCommand(orchestratorCmd)
	rootCmd.AddCommand(slaveCmd)
	rootCmd.AddCommand(supervisorCmd)
	rootCmd.AddCommand(addSlaveCmd)
	rootCmd.AddCommand(installSlaveCmd)
	rootCmd.AddCommand(statusCmd)
}

// exactArgs is cobra.ExactArgs with misuse exit semantics.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErrf("%s requires exactly %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}
