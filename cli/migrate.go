package cli

import (
	"github.com/spf13/cobra"

	"rag.evalgo.org/common"
	"rag.evalgo.org/db"
)

func init() {
	RootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "create or update the database schema",
	Long:  `migrate applies the schema for all entities, including the pgvector extension and the chunk embedding index.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		gdb, err := db.Open(cfg.Database)
		if err != nil {
			return err
		}
		if err := db.Migrate(gdb, cfg.Embedder.Dimension); err != nil {
			return err
		}
		common.Logger.Info("database schema is up to date")
		return nil
	},
}
