// Package cli provides the ingestctl command-line interface.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-ingest-pipeline/pkg/client"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL  string
	jsonOutput bool

	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ingestctl",
	Short: "Operate the document ingest pipeline",
	Long: `ingestctl talks to a running ingest service over HTTP.

It submits source objects for conversion, re-triggers failed or outdated
records, sweeps the whole source prefix and reports processing status.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if serverURL == "" {
			_ = godotenv.Load()
			serverURL = os.Getenv("INGEST_SERVER_URL")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8071"
		}
		apiClient = client.New(serverURL)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "ingest service URL (default $INGEST_SERVER_URL or http://localhost:8071)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statusMapCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(reprocessCmd)
	rootCmd.AddCommand(sweepCmd)
}

// printJSON writes v as indented JSON
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Main runs the CLI and exits
func Main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
