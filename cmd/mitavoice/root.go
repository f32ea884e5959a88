package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mitavoice/internal/app"
	"mitavoice/internal/config"
)

var (
	cfgFile   string
	assumeYes bool
	activeCfg config.Config
	logger    = zerolog.Nop()
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "mitavoice",
		Short:         "Voice model orchestrator for the Mita game",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Flags:      cmd.Flags(),
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = loaded
			logger = setupLogger(loaded.Log)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	cmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Confirm installs on unsupported GPUs")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newModelsCmd())
	cmd.AddCommand(newInstallCmd())
	cmd.AddCommand(newUninstallCmd())
	cmd.AddCommand(newOrphansCmd())
	cmd.AddCommand(newSayCmd())
	cmd.AddCommand(newGPUCmd())

	return cmd
}

// setupLogger builds the process logger from the log section.
func setupLogger(c config.LogConfig) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if c.Pretty {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		l = zerolog.New(os.Stderr)
	}
	return l.Level(lvl).With().Timestamp().Logger()
}

func requireConfig() (config.Config, error) {
	if activeCfg.Paths.Root == "" {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}
	return activeCfg, nil
}

// buildApp wires the orchestrator for a command run.
func buildApp(ctx context.Context, reg prometheus.Registerer) (*app.App, error) {
	cfg, err := requireConfig()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, app.Options{
		Registerer: reg,
		AssumeYes:  assumeYes,
		Logger:     logger,
	})
}
