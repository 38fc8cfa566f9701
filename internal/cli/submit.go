package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"casework/internal/report"
)

var (
	submitDetach  bool
	submitNoInput bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Submit a report file and clarify uncertain fields",
	Long: `Submit a Markdown report to the extraction pipeline and follow it to a
result.

Frontmatter fields (category, location, occurred_at, severity, tags) seed
the extraction. When the pipeline is unsure about an extracted field you are
asked about it, and the enriched report is resubmitted as a fresh job, up to
a bounded number of rounds.

Examples:
  casework submit reports/flooded-basement.md
  casework submit incident.md --no-input
  casework submit incident.md --detach`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().BoolVarP(&submitDetach, "detach", "d", false, "submit and exit without following the job")
	submitCmd.Flags().BoolVar(&submitNoInput, "no-input", false, "never prompt; skip all clarification questions")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	rep, err := report.ParseFile(args[0])
	if err != nil {
		return err
	}
	sub := rep.Submission()

	if submitDetach {
		jobID, err := apiClient.Submit(context.Background(), sub)
		if err != nil {
			return fmt.Errorf("submit job: %w", err)
		}
		fmt.Printf("Submitted job %s\n", jobID)
		fmt.Printf("Follow it with: casework watch %s\n", jobID)
		return nil
	}

	title := rep.Title
	if title == "" {
		title = filepath.Base(args[0])
	}
	return runSession(sub, title, submitNoInput)
}
