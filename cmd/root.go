package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalhearts/core/internal/config"
	"github.com/vitalhearts/core/internal/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	todayFlag  string

	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "vitalhearts",
	Short:         "Operate the VitalHearts economy and progress core",
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath == "" {
			cfg = config.Default()
		} else if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		var log *slog.Logger
		log, logCloser = logger.New(cfg.Log)
		slog.SetDefault(log)
		slog.Debug("Configuration loaded",
			slog.String("type", "sys"),
			slog.String("backend", cfg.Store.Backend),
			slog.String("table", cfg.Store.Table))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (without it state lives in memory for this command only)")
	rootCmd.PersistentFlags().StringVar(&todayFlag, "today", "", "calendar day to act on (YYYY-MM-DD), defaults to now")
}

// Execute runs the CLI.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// now is the instant commands act at, honoring --today in the configured
// location.
func now(loc *time.Location) (time.Time, error) {
	if todayFlag == "" {
		return time.Now().In(loc), nil
	}
	day, err := time.ParseInLocation(time.DateOnly, todayFlag, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --today %q: %w", todayFlag, err)
	}
	return day.Add(12 * time.Hour), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
