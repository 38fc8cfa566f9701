package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs known to the server",
	Long: `List the pipeline server's jobs, newest first.

Examples:
  casework jobs
  casework watch <job-id>   # follow one of them live`,
	Args: cobra.NoArgs,
	RunE: runJobs,
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	jobs, err := apiClient.Jobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-40s %-8s %-11s %s\n", "ID", "KIND", "STATUS", "CREATED")
	fmt.Println("----------------------------------------------------------------------")

	for _, j := range jobs {
		fmt.Printf("%-40s %-8s %-11s %s\n", j.JobID, j.Kind, j.Overall, j.CreatedAt.Format("15:04:05"))
	}

	return nil
}
