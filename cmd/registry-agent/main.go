package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/registry/internal/agent"
	"github.com/MarcoPoloResearchLab/registry/internal/config"
	"github.com/MarcoPoloResearchLab/registry/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "registry-agent",
		Short:         "Offline-first records registry client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newRunCommand(),
		newLoginCommand(),
		newRegisterCommand(),
		newLogoutCommand(),
		newSyncCommand(),
		newStatusCommand(),
		newRecordsCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("remote.base_url"), "Base URL of the registry API")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("cache.path"), "Local cache database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("sync-interval-minutes", defaults.GetInt("sync.interval_minutes"), "Periodic sync interval while online")
	cmd.PersistentFlags().String("metrics-address", "", "Serve Prometheus metrics on this address while running")

	bindFlag(cmd, "remote.base_url", "remote-url")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.interval_minutes", "sync-interval-minutes")
	bindFlag(cmd, "metrics.address", "metrics-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newAgent builds the client runtime from the loaded configuration.
func newAgent(opts agent.Options) (*agent.Agent, *zap.Logger, error) {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(logging.Options{Level: agentConfig.LogLevel, Console: true})
	if err != nil {
		return nil, nil, err
	}
	opts.Config = agentConfig
	opts.Logger = logger
	runtime, err := agent.New(opts)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return runtime, logger, nil
}

// withAgent runs a one-shot command: it probes connectivity once and restores the persisted
// session, runs fn, then waits for background work before closing the cache.
func withAgent(ctx context.Context, fn func(ctx context.Context, runtime *agent.Agent) error) error {
	runtime, logger, err := newAgent(agent.Options{})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	runtime.Probe(ctx)
	if _, _, err := runtime.Sessions().Restore(ctx); err != nil {
		logger.Warn("session restore failed", zap.Error(err))
	}
	runErr := fn(ctx, runtime)
	return errors.Join(runErr, runtime.Stop())
}

func newRunCommand() *cobra.Command {
	var watchInterfaces bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			var logger *zap.Logger
			runtime, logger, err := newAgent(agent.Options{
				WatchInterfaces: watchInterfaces,
				OnSessionExpired: func() {
					logger.Warn("session expired; log in again")
				},
			})
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runtime.Start(signalCtx); err != nil {
				return errors.Join(err, runtime.Stop())
			}
			logger.Info("agent running")
			<-signalCtx.Done()
			logger.Info("agent stopping")
			return runtime.Stop()
		},
	}
	cmd.Flags().BoolVar(&watchInterfaces, "watch-interfaces", true, "Re-probe immediately when host network interfaces change")
	return cmd
}
