package cmd

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalhearts/core/internal/gateways/kv"
	"github.com/vitalhearts/core/internal/logger"
)

var migrateCMD = &cobra.Command{
	Use:   "migrate",
	Short: "Provision the table and indexes of the configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			m, ok := a.store.(kv.Migrator)
			if !ok {
				slog.Info("Store needs no migration", slog.String("type", "db"))
				return nil
			}
			start := time.Now()
			if err := m.EnsureSchema(ctx); err != nil {
				slog.Error("Migration failed", slog.String("type", "db"), slog.Any("error", err))
				return err
			}
			slog.Info("Migration completed successfully",
				slog.String("type", "db"),
				slog.String("backend", cfg.Store.Backend),
				logger.Since(start))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCMD)
}
