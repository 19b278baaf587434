package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/wifiprov/internal/config"
	"github.com/chaz8081/wifiprov/internal/metrics"
)

// app is the state shared by all commands.
type app struct {
	configPath string
	logLevel   string

	cfg     *config.Config
	metrics *metrics.Recorder
}

func main() {
	a := &app{metrics: metrics.New()}
	root := a.rootCommand()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()

	if a.cfg != nil {
		if werr := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); werr != nil {
			slog.Error("writing metrics textfile", "path", a.cfg.Metrics.Textfile, "error", werr)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "wifiprov",
		Short:         "Provision Wi-Fi credentials to nRF7 devices over BLE or SoftAP",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file (default: ~/.config/wifiprov/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	root.AddCommand(
		a.devicesCommand(),
		a.statusCommand(),
		a.networksCommand(),
		a.provisionCommand(),
		a.forgetCommand(),
		a.softAPCommand(),
		a.initConfigCommand(),
	)
	return root
}

// setup loads and validates the configuration and installs the logger.
func (a *app) setup() error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	a.cfg = cfg

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	defaultPath := config.DefaultConfigPath()
	cfg, err := config.LoadOrDefault(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
	}
	return cfg, nil
}

func (a *app) initConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write the default config file if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
			return nil
		},
	}
}
