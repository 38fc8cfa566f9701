package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"casework/internal/api"
	"casework/internal/clarify"
	"casework/internal/job"
	"casework/internal/status"
	"casework/internal/store"
)

// runSession drives one submission through the clarification loop, printing
// progress as it happens and recording the outcome in the local history.
// Ctrl+C abandons the session cleanly.
func runSession(sub api.Submission, title string, noInput bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := &sessionPrinter{out: os.Stdout, theme: defaultTheme}
	recorder := &historyRecorder{}

	// Prompting needs a terminal; piped stdin must not hang on questions.
	if !noInput && !term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Debug("stdin is not a terminal, skipping clarification prompts")
		noInput = true
	}

	var prompter clarify.Prompter
	if !noInput {
		prompter = newStdinPrompter()
	}

	session := clarify.New(status.ClientBackend{Client: apiClient}, prompter, clarify.Config{
		MaxRounds: cfg.MaxRounds,
		Threshold: cfg.Threshold,
		Tracker:   trackerConfig(),
		Log:       logger,
		Observer: func(ev clarify.Event) {
			printer.observe(ev)
			recorder.observe(ev)
		},
	})

	started := time.Now()
	out, err := session.Run(ctx, sub)
	if err != nil {
		return err
	}

	printOutcome(os.Stdout, out)

	if id := recordHistory(title, sub, out, recorder.jobs, started); id != "" {
		fmt.Printf("\n%s\n", defaultTheme.hintStyle().Render("Saved to history: casework history "+id))
	}

	if out.Resolution == clarify.ResolutionFailed {
		return fmt.Errorf("session failed: %s", out.Reason)
	}
	return nil
}

// sessionPrinter renders loop milestones and agent movements as they happen.
type sessionPrinter struct {
	out   io.Writer
	theme Theme
}

func (p *sessionPrinter) observe(ev clarify.Event) {
	switch ev.Type {
	case clarify.EventSubmitted:
		fmt.Fprintf(p.out, "\n%s\n",
			p.theme.statusStyle().Render(fmt.Sprintf("[round %d] job %s", ev.Round, ev.JobID)))
	case clarify.EventStatus:
		if ev.Update != nil {
			p.printTransition(ev.Update.Event)
		}
	}
}

// printTransition shows one agent movement. Job-level notices carry no agent
// name and are shown under the synthetic pipeline entry.
func (p *sessionPrinter) printTransition(ev job.StatusEvent) {
	name := ev.Agent
	if name == "" {
		name = job.SyntheticAgent
	}

	msg := ev.Message
	if ev.Confidence != nil {
		msg = fmt.Sprintf("%s (%.2f)", msg, *ev.Confidence)
	}

	switch ev.Phase {
	case job.PhaseComplete:
		fmt.Fprintf(p.out, "  %s %-12s %s\n", p.theme.completedStyle().Render("✓"), name, msg)
	case job.PhaseError:
		fmt.Fprintf(p.out, "  %s %-12s %s\n", p.theme.errorStyle().Render("✗"), name, msg)
	default:
		fmt.Fprintf(p.out, "  %s %-12s %s\n", "·", name, p.theme.hintStyle().Render(string(ev.Phase)+": "+msg))
	}
}

// historyRecorder accumulates the per-round job rows for the history store.
// The session calls observers from its own goroutine, so no locking is needed.
type historyRecorder struct {
	jobs []store.Job
}

func (h *historyRecorder) observe(ev clarify.Event) {
	switch ev.Type {
	case clarify.EventSubmitted:
		h.jobs = append(h.jobs, store.Job{
			JobID:     ev.JobID,
			Round:     ev.Round,
			Input:     ev.Input,
			CreatedAt: time.Now(),
		})
	case clarify.EventStatus:
		if ev.Update != nil && ev.Update.State.Terminal() && len(h.jobs) > 0 {
			h.jobs[len(h.jobs)-1].Overall = string(ev.Update.State.Overall)
		}
	}
}

// recordHistory writes the resolved session to the local store. History is
// best-effort: failures are logged, never fatal. Returns the session ID, or
// empty if nothing was recorded.
func recordHistory(title string, sub api.Submission, out *clarify.Outcome, jobs []store.Job, started time.Time) string {
	db, err := store.NewDB(cfg.HistoryDB)
	if err != nil {
		logger.Warn("history store unavailable", "error", err)
		return ""
	}
	defer db.Close()

	id := uuid.NewString()
	for i := range jobs {
		jobs[i].SessionID = id
	}

	sess := store.Session{
		ID:         id,
		Kind:       sub.Kind,
		Title:      title,
		Input:      sub.Input,
		Resolution: string(out.Resolution),
		Reason:     out.Reason,
		Rounds:     out.Rounds,
		Fields:     out.Fields,
		StartedAt:  started,
		ResolvedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	repo := &store.SessionRepo{}
	if err := repo.Record(ctx, db, sess, jobs); err != nil {
		logger.Warn("failed to record session history", "error", err)
		return ""
	}
	return id
}

// printOutcome renders the final account of a session.
func printOutcome(w io.Writer, out *clarify.Outcome) {
	theme := defaultTheme
	fmt.Fprintln(w)

	switch out.Resolution {
	case clarify.ResolutionHighConfidence:
		msg := "✓ High confidence on the first pass"
		if out.Rounds > 0 {
			msg = fmt.Sprintf("✓ High confidence after %s of clarification", roundsWord(out.Rounds))
		}
		fmt.Fprintln(w, theme.completedStyle().Render(msg))
	case clarify.ResolutionSkipped:
		fmt.Fprintln(w, theme.statusStyle().Render("Questions skipped; the last result stands."))
	case clarify.ResolutionRoundsExhausted:
		fmt.Fprintln(w, theme.statusStyle().Render(
			fmt.Sprintf("Rounds exhausted; %d field(s) remain uncertain.", len(out.Doubts))))
	case clarify.ResolutionAbandoned:
		fmt.Fprintln(w, theme.hintStyle().Render("Session abandoned."))
	case clarify.ResolutionFailed:
		fmt.Fprintln(w, theme.errorStyle().Render("✗ Session failed: "+out.Reason))
	}

	if len(out.Fields) > 0 {
		fmt.Fprintln(w)
		printFields(w, out.Fields, cfg.Threshold)
	}
}

// printFields lists extracted fields with confidence, marking the doubtful
// ones.
func printFields(w io.Writer, fields []api.Field, threshold float64) {
	theme := defaultTheme
	for _, f := range fields {
		mark := theme.completedStyle().Render("✓")
		if f.Confidence < threshold {
			mark = theme.errorStyle().Render("?")
		}
		fmt.Fprintf(w, "  %s %-12s %-40s %.2f\n", mark, f.Name, f.Value, f.Confidence)
	}
}

func roundsWord(n int) string {
	if n == 1 {
		return "1 round"
	}
	return fmt.Sprintf("%d rounds", n)
}
