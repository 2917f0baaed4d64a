package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"clusterd/logging"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "clusterd",
	Short: "clusterd - heartbeat-based cluster membership and master election",
	Long: `clusterd runs on every node of a cluster. Each node publishes a
heartbeat record to a shared store and the oldest live node is elected
master. Postgres, etcd, DynamoDB and MongoDB are supported as stores.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"clusterd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to the YAML config file")
	flags.String("instance-id", "", "Instance ID of this node (defaults to hostname)")
	flags.String("cluster-name", "", "Name of the cluster")
	flags.String("backend", "", "Storage backend: postgres, etcd, dynamodb, mongodb or none")
	flags.String("listen", "", "Address for the HTTP server")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.Bool("log-json", false, "Log as JSON instead of console output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(benchCmd)
}

// setup loads the config file, applies flag overrides and initializes
// logging. Every subcommand starts with it.
func setup(cmd *cobra.Command) (config, error) {
	path, _ := cmd.Flags().GetString("config")
	conf, err := loadConfig(path)
	if err != nil {
		return conf, err
	}
	conf.applyFlags(cmd)
	if err := conf.validate(); err != nil {
		return conf, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:      logging.Level(conf.Log.Level),
		JSONOutput: conf.Log.JSON,
	})
	return conf, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the heartbeat daemon",
	Long: `Run the heartbeat daemon until SIGINT or SIGTERM.

The daemon serves /health, /nodes and /metrics on the listen address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := setup(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runDaemon(ctx, conf)
	},
}
