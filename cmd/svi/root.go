package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/svi-fetch/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "svi",
	Short: "Street-level panorama ingestion pipeline",
	Long:  "Discovers, augments, and fetches street-level panorama imagery from Google Street View or Mapillary, checkpointed and resumable at every stage.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
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
