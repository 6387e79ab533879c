package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sector-refresh/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "sector-refresh",
	Short: "Weekly sector dataset refresh and image publish pipeline",
	Long: "Fetches sector metrics, regenerates sector_analysis.csv, commits the artifact " +
		"when it changed and publishes a container image tagged with the commit SHA.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
