package main

import (
	"context"

	"telemetry-relay/internal/config"
	"telemetry-relay/internal/db"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configDir string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Real-time telemetry relay between device agents and browser sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configDir, "config", "", "directory holding config.yaml")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newJobsCmd(opts))
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configDir)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, cfg.Validate()
}

func (o *rootOptions) openDB(ctx context.Context) (config.Config, *db.DB, error) {
	cfg, err := o.load()
	if err != nil {
		return config.Config{}, nil, err
	}
	store, err := db.Init(ctx, db.Config{
		ConnString:     cfg.DB.ConnString,
		MigrationsPath: cfg.DB.MigrationsPath,
		MaxConns:       cfg.DB.MaxConns,
	})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, store, nil
}
