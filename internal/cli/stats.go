package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"casework/internal/api"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline server statistics",
	Long: `Show the server's in-memory runtime statistics: job counts and timing
aggregates for agent runs, tool calls and status polls.

Examples:
  casework stats`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	stats, err := apiClient.Stats(ctx)
	if err != nil {
		return fmt.Errorf("get server stats: %w", err)
	}

	fmt.Printf("Server Statistics (in-memory, since restart)\n")
	fmt.Printf("═══════════════════════════════════════════════\n")
	fmt.Printf("Uptime: %.1f seconds\n", stats.UptimeSeconds)
	fmt.Printf("Jobs: %d submitted, %d completed, %d failed\n",
		stats.JobsSubmitted, stats.JobsCompleted, stats.JobsFailed)

	if stats.AgentRun != nil {
		fmt.Printf("\nAgent Runs:\n")
		printOpStats(stats.AgentRun)
	}

	if stats.ToolCall != nil {
		fmt.Printf("\nTool Calls:\n")
		printOpStats(stats.ToolCall)
	}

	if stats.StatusPoll != nil {
		fmt.Printf("\nStatus Polls:\n")
		printOpStats(stats.StatusPoll)
	}

	return nil
}

// printOpStats displays timing statistics for an operation.
func printOpStats(op *api.OperationStats) {
	fmt.Printf("  Calls: %d, Total: %dms\n", op.Count, op.TotalTimeMs)
	fmt.Printf("  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}
