package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"casework/internal/job"
	"casework/internal/status"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job live until it settles",
	Long: `Attach to a running job and follow its agents live, combining status
polling with the server's push stream. Press q to detach; the job keeps
running server-side.

Examples:
  casework watch job-4f7c2b
  casework watch job-4f7c2b --server http://sim:8090`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, detached, err := runWatchUI(ctx, status.ClientBackend{Client: apiClient}, jobID)
	if err != nil {
		return err
	}
	if detached {
		return nil
	}

	switch state.Overall {
	case job.OverallCompleted:
		// Fields arrive with the snapshot once a job finishes.
		snap, err := apiClient.Status(ctx, jobID)
		if err != nil {
			return fmt.Errorf("fetch result: %w", err)
		}
		if len(snap.Fields) > 0 {
			fmt.Println()
			printFields(os.Stdout, snap.Fields, cfg.Threshold)
		}
		return nil
	case job.OverallFailed:
		reason, _ := state.FirstError()
		return fmt.Errorf("job failed: %s", reason)
	}
	return nil
}
