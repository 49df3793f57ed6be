package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

var (
	listSource string
	listSince  string
	statusKind string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List source objects or processed records",
	Long: `List the objects under the source prefix with their processing status,
or the completed records with --source parsed.

Examples:
  ingestctl list
  ingestctl list --since 2024-05-01
  ingestctl list --source parsed --since 0190a3c2-7b1e-7cc0-8e5f-3d2a1b0c9f8e`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <filename|id>",
	Short: "Show the record for a filename or record id",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var statusMapCmd = &cobra.Command{
	Use:   "status-map",
	Short: "Show the status of every known source object",
	Args:  cobra.NoArgs,
	RunE:  runStatusMap,
}

func init() {
	listCmd.Flags().StringVar(&listSource, "source", pipeline.SourceBucket, "bucket or parsed")
	listCmd.Flags().StringVar(&listSince, "since", "", "record id or timestamp")
	statusCmd.Flags().StringVar(&statusKind, "kind", "", "identifier type: filename or id (auto-detected when empty)")
}

func runList(cmd *cobra.Command, args []string) error {
	files, err := apiClient.ListFiles(context.Background(), listSource, listSince)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, files)
	}

	if len(files) == 0 {
		fmt.Fprintln(out, "No files found.")
		return nil
	}
	fmt.Fprintf(out, "Files (%d):\n\n", len(files))
	for _, f := range files {
		fmt.Fprintf(out, "- %s [%s] %s\n", f.Filename, f.Status, orDash(f.ID))
		if f.ErrorDetail != "" {
			fmt.Fprintf(out, "  %s\n", f.ErrorDetail)
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	view, err := apiClient.Status(context.Background(), args[0], statusKind)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, view)
	}

	fmt.Fprintf(out, "ID:         %s\n", view.ID)
	fmt.Fprintf(out, "Source:     %s\n", view.SourceKey)
	fmt.Fprintf(out, "State:      %s\n", view.State)
	fmt.Fprintf(out, "Output:     %s\n", orDash(view.OutputKey))
	fmt.Fprintf(out, "Modified:   %s\n", view.SourceModifiedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Updated:    %s\n", view.UpdatedAt.Format("2006-01-02 15:04:05"))
	if view.ErrorDetail != "" {
		fmt.Fprintf(out, "Error:      %s\n", view.ErrorDetail)
	}
	return nil
}

func runStatusMap(cmd *cobra.Command, args []string) error {
	resp, err := apiClient.StatusMap(context.Background())
	if err != nil {
		return fmt.Errorf("status map: %w", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, resp)
	}

	keys := make([]string, 0, len(resp.Files))
	for k := range resp.Files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%-12s %s\n", resp.Files[k], k)
	}
	if resp.Partial {
		fmt.Fprintln(out, "\n(storage listing unavailable; unprocessed objects are not shown)")
	}
	return nil
}
