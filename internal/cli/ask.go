package cli

import (
	"github.com/spf13/cobra"

	"casework/internal/api"
	"casework/internal/job"
)

var (
	askTags    []string
	askNoInput bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about prior reports",
	Long: `Ask a natural-language question against previously filed reports.

The question runs through the same pipeline as a report: agents extract what
the question pins down, and anything they are unsure about comes back to you
as a clarification round.

Examples:
  casework ask "What was reported near Elm Street last week?"
  casework ask "open flooding cases" --tags infrastructure
  casework ask "power outages yesterday" --no-input`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringSliceVarP(&askTags, "tags", "t", nil, "tags to scope the question")
	askCmd.Flags().BoolVar(&askNoInput, "no-input", false, "never prompt; skip all clarification questions")
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := args[0]

	// Use the question as the history title, truncated when long.
	title := question
	if len(title) > 50 {
		title = title[:47] + "..."
	}

	sub := api.Submission{
		Kind:  string(job.KindQuery),
		Input: question,
		Tags:  askTags,
	}
	return runSession(sub, title, askNoInput)
}
