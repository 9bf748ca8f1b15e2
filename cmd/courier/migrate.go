package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: `Apply the broker schema to the configured PostgreSQL database.
Statements are idempotent, so migrate can run on every deploy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
			Output:     os.Stderr,
		})

		if cfg.Storage.Driver == "memory" {
			fmt.Println("✓ Memory storage needs no migration")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		store, err := storage.NewPostgresStore(ctx, storage.Config{
			DSN:          cfg.Storage.DSN,
			MaxConns:     cfg.Storage.MaxConns,
			EventChannel: cfg.Storage.EventChannel,
		})
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer store.Close()

		if err := store.InitSchema(ctx); err != nil {
			return err
		}
		fmt.Println("✓ Schema applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
