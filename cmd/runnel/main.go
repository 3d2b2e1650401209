package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/runnel/internal/cmd/client"
	workerrun "github.com/rzbill/runnel/internal/cmd/worker"
	cfgpkg "github.com/rzbill/runnel/internal/config"
	logpkg "github.com/rzbill/runnel/pkg/log"
)

func main() {
	// CLI logger; the worker builds its own from the loaded config.
	level := os.Getenv("RUNNEL_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:           "runnel",
		Short:         "runnel partitioned stream processing CLI",
		Long:          "runnel runs ordered, at-least-once processors over partitioned streams stored in an embedded Pebble database.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("RUNNEL_CONFIG"), "Path to a JSON config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text|json")

	rootCmd.AddCommand(newWorkerCommand(), newAdminCommand())
	clientcmd.AddCommands(rootCmd, clientcmd.APIURLFromEnv)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("runnel.command_failed", logpkg.Err(err))
		cancel()
		os.Exit(1)
	}
}

// newWorkerCommand runs a processor that prints a stream, plus the admin servers.
func newWorkerCommand() *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume a stream and print its records (gRPC and HTTP admin included)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			stream, _ := cmd.Flags().GetString("stream")
			if stream == "" {
				return fmt.Errorf("--stream is required; use `runnel admin` to serve the admin API only")
			}
			name, _ := cmd.Flags().GetString("processor")
			filter, _ := cmd.Flags().GetString("filter")
			format, _ := cmd.Flags().GetString("output")
			return runWorker(cmd, workerrun.Options{
				Config:    cfg,
				Stream:    stream,
				Processor: name,
				Filter:    filter,
				Format:    format,
				Output:    cmd.OutOrStdout(),
			})
		},
	}
	addServeFlags(workerCmd)
	workerCmd.Flags().String("stream", "", "Stream to consume")
	workerCmd.Flags().String("processor", "", "Processor name (default <stream>-printer)")
	workerCmd.Flags().String("filter", "", "CEL expression; records it rejects are acknowledged unprinted")
	workerCmd.Flags().StringP("output", "o", "text", "Output format: text|json")
	workerCmd.Flags().String("policy", "", "Exception policy: halt|quarantine|ignore")
	workerCmd.Flags().Int("pool-size", 0, "Executors in this process")
	workerCmd.Flags().String("strategy", "", "Assignment strategy: round_robin|consistent_hash")
	workerCmd.Flags().Int("partitions", 0, "Partition count when the stream does not exist yet")
	return workerCmd
}

// newAdminCommand serves the admin API over the store without consuming.
func newAdminCommand() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:     "admin",
		Short:   "Serve the admin HTTP and gRPC endpoints",
		Aliases: []string{"serve"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runWorker(cmd, workerrun.Options{Config: cfg})
		},
	}
	addServeFlags(adminCmd)
	return adminCmd
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("http", "", "Admin HTTP listen address (empty keeps the config value)")
	cmd.Flags().String("grpc", "", "Admin gRPC listen address (empty keeps the config value)")
	cmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	cmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms")
}

func runWorker(cmd *cobra.Command, opts workerrun.Options) error {
	intervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
	opts.FsyncInterval = time.Duration(intervalMs) * time.Millisecond
	if err := workerrun.Run(cmd.Context(), opts); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}
	// brief delay to allow logs flush
	time.Sleep(100 * time.Millisecond)
	return nil
}

// loadConfig layers defaults, the config file, RUNNEL_* variables and flags.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	cfgpkg.FromEnv(&cfg)

	f := cmd.Flags()
	str := func(flag string, dst *string) {
		if f.Lookup(flag) != nil && f.Changed(flag) {
			*dst, _ = f.GetString(flag)
		}
	}
	num := func(flag string, dst *int) {
		if f.Lookup(flag) != nil && f.Changed(flag) {
			*dst, _ = f.GetInt(flag)
		}
	}
	str("data-dir", &cfg.DataDir)
	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	str("fsync", &cfg.Fsync)
	str("http", &cfg.Admin.HTTPAddr)
	str("grpc", &cfg.Admin.GRPCAddr)
	str("policy", &cfg.Processor.Policy)
	str("strategy", &cfg.Processor.Strategy)
	num("pool-size", &cfg.Processor.PoolSize)
	num("partitions", &cfg.Stream.PartitionCount)
	return cfg, cfg.Validate()
}
