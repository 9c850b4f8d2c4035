// cmd/migrate.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentryal/sentryal-insar/internal/store"
	"github.com/sentryal/sentryal-insar/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: `Creates the infrastructures, points, jobs and deformations tables and their
indexes. Safe to run repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer store.Close(db)

		if err := store.Migrate(db); err != nil {
			ui.NewStatusLine(nil).Fail("Migration failed")
			return err
		}
		ui.NewStatusLine(nil).Success(fmt.Sprintf("Schema is up to date (%s)", cfg.Database.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
