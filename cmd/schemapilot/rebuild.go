package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/schemapilot/schemapilot/internal/app"
	"github.com/schemapilot/schemapilot/internal/config"
)

var rebuildDB string

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-vectors",
	Short: "Re-introspect a database and rebuild its vector index",
	RunE:  runRebuild,
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildDB, "db", "", "tenant database (default: the base database)")
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := cmd.Context()
	logger := newLogger(false)

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	db := rebuildDB
	if db == "" {
		db = cfg.BaseDatabase()
	}
	pool, err := a.Cache.Pool(ctx, db)
	if err != nil {
		return err
	}

	n, err := a.Store.Rebuild(ctx, pool, db)
	if err != nil {
		return fmt.Errorf("rebuilding index for %q: %w", db, err)
	}
	fmt.Printf("indexed %d tables for %s\n", n, db)
	return nil
}
