package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/untibullet/session-hub/internal/config"
	"go.uber.org/zap"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger, err := initLogger(cfg.Logger)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			store, err := openStore(ctx, cfg.Database, logger)
			if err != nil {
				fmt.Printf("%s %v\n", color.New(color.FgRed).Sprint("FAILED"), err)
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				logger.Error("failed to apply schema", zap.Error(err))
				fmt.Printf("%s %v\n", color.New(color.FgRed).Sprint("FAILED"), err)
				return err
			}

			target := cfg.Database.Path
			if cfg.Database.Driver == config.DriverPostgres {
				target = fmt.Sprintf("%s@%s:%s/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
			}
			fmt.Printf("%s schema applied (%s, %s)\n",
				color.New(color.FgGreen).Sprint("✓"), cfg.Database.Driver, target)
			return nil
		},
	}
}
