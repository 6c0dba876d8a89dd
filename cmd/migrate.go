package cmd

import (
	"fmt"
	"github.com/arcward/onebot/onebot"
	"github.com/spf13/cobra"
	"log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database tables",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db, err := onebot.CreateDB(cmd.Context(), cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error migrating database: %v", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			_ = sqlDB.Close()
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migration complete.")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
