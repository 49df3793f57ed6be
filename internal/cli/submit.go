package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

var (
	submitKind      string
	submitProcessID string
	submitForce     bool
	reprocessForce  bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <filename|id>",
	Short: "Submit a source object for processing",
	Long: `Submit a source object. The service skips objects whose last completed
run is still current and rejects objects that are already in flight.

Examples:
  ingestctl submit report.pdf
  ingestctl submit report.pdf --process-id 0190a3c2-7b1e-7cc0-8e5f-3d2a1b0c9f8e`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <id>",
	Short: "Re-trigger an existing record",
	Args:  cobra.ExactArgs(1),
	RunE:  runReprocess,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Submit every object under the source prefix",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func init() {
	submitCmd.Flags().StringVar(&submitKind, "kind", "", "identifier type: filename or id (auto-detected when empty)")
	submitCmd.Flags().StringVar(&submitProcessID, "process-id", "", "caller-supplied record id")
	submitCmd.Flags().BoolVar(&submitForce, "force", false, "process even when the last run is current")
	reprocessCmd.Flags().BoolVar(&reprocessForce, "force", false, "process even when the last run is current")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	resp, err := apiClient.Process(context.Background(), pipeline.ProcessRequest{
		Identifier:     args[0],
		IdentifierType: submitKind,
		ProcessID:      submitProcessID,
		Force:          submitForce,
	})
	return printSubmission(cmd, resp, err)
}

func runReprocess(cmd *cobra.Command, args []string) error {
	resp, err := apiClient.Reprocess(context.Background(), args[0], reprocessForce)
	return printSubmission(cmd, resp, err)
}

func printSubmission(cmd *cobra.Command, resp *pipeline.ProcessResponse, err error) error {
	// resp is set on success and on a duplicate rejection
	if resp == nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		if perr := printJSON(out, resp); perr != nil {
			return perr
		}
		return err
	}

	switch pipeline.Decision(resp.Decision) {
	case pipeline.DecisionProceed:
		fmt.Fprintf(out, "Accepted %s as %s (seen %d times)\n", resp.SourceKey, resp.ProcessID, resp.DedupeSeenCount)
	case pipeline.DecisionSkip:
		fmt.Fprintf(out, "Skipped %s: %s is current\n", resp.SourceKey, resp.ProcessID)
	case pipeline.DecisionDuplicate:
		fmt.Fprintf(out, "Rejected %s: already in flight as %s\n", resp.SourceKey, resp.WinnerID)
	}
	return err
}

func runSweep(cmd *cobra.Command, args []string) error {
	resp, err := apiClient.Sweep(context.Background())
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, resp)
	}

	fmt.Fprintf(out, "Listed %d: %d accepted, %d skipped, %d in flight, %d errors\n",
		resp.Listed, resp.Proceeded, resp.Skipped, resp.Duplicates, resp.Errors)
	for _, item := range resp.Items {
		if item.Error != "" {
			fmt.Fprintf(out, "- %s: %s\n", item.SourceKey, item.Error)
		}
	}
	return nil
}
