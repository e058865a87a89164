// Package cli wires the platform processes: the API gateway, the ingestion
// worker, and the schema migrator.
package cli

import (
	"github.com/spf13/cobra"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
)

var configFile string

// RootCmd is the entry point for all subcommands.
var RootCmd = &cobra.Command{
	Use:   "rag",
	Short: "self-hosted retrieval-augmented chat platform",
	Long: `rag runs the services of the retrieval-augmented chat platform:
the API gateway (serve), the ingestion worker pool (worker) and the
database migrator (migrate).`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default: ./config.yaml, ~/.rag/config.yaml, /etc/rag/config.yaml)")
}

// loadConfig reads the configuration and applies the logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}
