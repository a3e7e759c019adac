package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info
var (
	version = "0.2.0"
	commit  = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "seqlapis",
	Short: "Read-only query service for genomic sequence collections",
	Long: `seqlapis answers filter queries over aligned genomic sequence
collections: metadata predicates, point mutations relative to a reference,
and insertions. It ingests released sequence data into an embedded
columnar store per organism and keeps it fresh against the upstream
metadata database.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	Example: `  # Serve all organisms found in the reference genome directory
  seqlapis serve

  # Serve a fixed organism list on another port
  seqlapis serve --organisms ebola-sudan,west-nile --port 3000`,
}

func main() {
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
