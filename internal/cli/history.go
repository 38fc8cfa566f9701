package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"casework/internal/store"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "Show past clarification sessions",
	Long: `List resolved clarification sessions from the local history database,
or inspect a single session by ID.

Examples:
  casework history
  casework history --limit 5
  casework history 4f7c2b1a-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "max sessions to list")
}

func runHistory(cmd *cobra.Command, args []string) error {
	db, err := store.NewDB(cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := &store.SessionRepo{}

	if len(args) == 1 {
		return showSession(ctx, repo, db, args[0])
	}
	return listSessions(ctx, repo, db)
}

func listSessions(ctx context.Context, repo *store.SessionRepo, db *sql.DB) error {
	sessions, err := repo.List(ctx, db, historyLimit)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions recorded yet.")
		return nil
	}

	fmt.Printf("%-36s %-16s %-7s %-17s %s\n", "SESSION", "RESOLUTION", "ROUNDS", "STARTED", "TITLE")
	fmt.Println(strings.Repeat("-", 100))

	for _, s := range sessions {
		fmt.Printf("%-36s %-16s %-7d %-17s %s\n",
			s.ID, s.Resolution, s.Rounds, s.StartedAt.Format("2006-01-02 15:04"), s.Title)
	}

	return nil
}

func showSession(ctx context.Context, repo *store.SessionRepo, db *sql.DB, id string) error {
	sess, jobs, err := repo.GetByID(ctx, db, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no session with ID %s", id)
		}
		return fmt.Errorf("get session: %w", err)
	}

	fmt.Printf("Session: %s\n", sess.ID)
	fmt.Printf("  Title: %s\n", sess.Title)
	fmt.Printf("  Kind: %s\n", sess.Kind)
	fmt.Printf("  Resolution: %s\n", sess.Resolution)
	if sess.Reason != "" {
		fmt.Printf("  Reason: %s\n", sess.Reason)
	}
	fmt.Printf("  Rounds: %d\n", sess.Rounds)
	fmt.Printf("  Started: %s\n", sess.StartedAt.Format(time.RFC3339))
	fmt.Printf("  Resolved: %s\n", sess.ResolvedAt.Format(time.RFC3339))
	duration := sess.ResolvedAt.Sub(sess.StartedAt)
	fmt.Printf("  Duration: %s\n", duration.Round(time.Second))

	if len(sess.Fields) > 0 {
		fmt.Println("\nExtracted fields:")
		for _, f := range sess.Fields {
			fmt.Printf("  %-12s %-40s %.2f\n", f.Name, f.Value, f.Confidence)
		}
	}

	if len(jobs) > 0 {
		fmt.Println("\nJobs:")
		for _, j := range jobs {
			fmt.Printf("  round %d: %s (%s)\n", j.Round, j.JobID, j.Overall)
			if verbose {
				fmt.Printf("    input: %s\n", excerpt(j.Input, 120))
			}
		}
	}

	return nil
}

// excerpt shortens s to at most n runes for single-line display.
func excerpt(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " / ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
