// schemapilot is the user-facing binary: it serves the JSON API and offers
// one-shot subcommands for asking questions and rebuilding vector indexes.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/schemapilot/schemapilot/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "schemapilot",
	Short: "Natural language querying for Postgres schemas",
	Long: `schemapilot answers natural language questions against Postgres by
retrieving the relevant slice of the schema from a vector index, asking a
language model for SQL and verifying the result before it runs.`,
	SilenceUsage: true,
}

func newLogger(json bool) log.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level, JSON: json})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
