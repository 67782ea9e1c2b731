// Package main provides the CLI entry point for tcp-forward.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/postalsys/tcp-forward/internal/config"
	"github.com/postalsys/tcp-forward/internal/health"
	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/metrics"
	"github.com/postalsys/tcp-forward/internal/sysinfo"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "tcp-forward",
		Short: "tcp-forward - TCP tunneling relay",
		Long: `tcp-forward exposes services behind NAT through a public relay.

A tunnel client registers topics with the relay and receives a public
forwarding port. Connections to that port, or CONNECT requests naming
one of its topics, are spliced to the client over an upgraded control
connection.`,
		Version:       sysinfo.ResolvedVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(relayCmd(flags))
	rootCmd.AddCommand(exposeCmd(flags))
	rootCmd.AddCommand(connectCmd(flags))
	rootCmd.AddCommand(probeCmd(flags))
	rootCmd.AddCommand(statusCmd(flags))
	rootCmd.AddCommand(clientsCmd(flags))
	rootCmd.AddCommand(routesCmd(flags))
	rootCmd.AddCommand(configCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// load reads the configuration file, or the defaults when none is given, and applies
// the logging flags.
func (f *globalFlags) load() (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
}

// newMetrics creates a private registry carrying the process collectors and the
// tcp-forward metrics.
func newMetrics() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewMetricsWithRegistry(reg)
}

// startHealth starts the health server when enabled. The returned stop func is always safe to call.
func startHealth(cfg *config.Config, reg *prometheus.Registry, provider health.StatsProvider, logger *slog.Logger) (func(), error) {
	if !cfg.Health.Enabled {
		return func() {}, nil
	}

	srv := health.NewServer(health.ServerConfig{
		Address:      cfg.Health.Address,
		ReadTimeout:  cfg.Health.ReadTimeout,
		WriteTimeout: cfg.Health.WriteTimeout,
		Gatherer:     reg,
		Pprof:        cfg.Health.Pprof,
	}, provider)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("failed to start health server: %w", err)
	}
	logger.Info("health server listening", logging.KeyAddress, srv.Address().String())
	return func() { srv.Stop() }, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func configCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the effective configuration with defaults applied. Topic values are redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
}
