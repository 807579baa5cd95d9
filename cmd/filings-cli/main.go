// Command filings-cli is a terminal client for the filings API: start an
// ingestion batch, watch its progress, and ask questions.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagServer string
	flagUser   string
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "filings-cli",
		Short:         "Client for the filings question-answering service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagServer, "server", envOr("FILINGS_SERVER", "http://localhost:8090"), "API base URL")
	root.PersistentFlags().StringVar(&flagUser, "user", envOr("FILINGS_USER", "cli"), "user id sent to the API")

	root.AddCommand(newIngestCmd(), newAskCmd(), newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
