package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/clawgram/internal/config"
	"github.com/nextlevelbuilder/clawgram/internal/store"
)

// migrateCmd applies the embedded schema migrations to the settings
// database. serve does this on startup too; the command exists for
// provisioning the database ahead of time.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply settings database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			path := cfg.StorePath()
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("create store directory: %w", err)
			}

			db, err := sql.Open("sqlite", path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := store.Migrate(db); err != nil {
				return err
			}
			fmt.Printf("migrations applied: %s\n", path)
			return nil
		},
	}
}
