package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/schemapilot/schemapilot/internal/app"
	"github.com/schemapilot/schemapilot/internal/config"
)

var askDB string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer one question and print the rows",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askDB, "db", "", "tenant database (default: the base database)")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
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

	eng, err := a.NewEngine()
	if err != nil {
		return err
	}

	db := askDB
	if db == "" {
		db = cfg.BaseDatabase()
	}
	q, err := a.Tenants().Querier(ctx, db)
	if err != nil {
		return err
	}

	answer, err := eng.Ask(ctx, q, db, strings.Join(args, " "))
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "-- %s (%d rows, %s)\n", answer.SQL, answer.RowCount, answer.Elapsed.Round(time.Millisecond))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(answer.Rows)
}
