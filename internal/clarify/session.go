package clarify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"casework/internal/api"
	"casework/internal/job"
	"casework/internal/status"
)

// DefaultMaxRounds is how many clarification rounds a session may consume.
// With the initial submission that caps a session at four jobs.
const DefaultMaxRounds = 3

// Pipeline is the server surface a session drives: submit jobs and follow
// them through the status channel.
type Pipeline interface {
	Submit(ctx context.Context, sub api.Submission) (string, error)
	status.Backend
}

// Answer is the user's response to one doubt.
type Answer struct {
	Field string
	Text  string
	Skip  bool
}

// Prompter collects answers for a round of doubts. Implementations may be
// interactive or automatic. Returning ErrAbandoned resolves the session as
// abandoned instead of failed.
type Prompter interface {
	Prompt(ctx context.Context, round int, doubts []Doubt) ([]Answer, error)
}

// AutoSkip is a Prompter that declines every question, for non-interactive
// runs. Sessions using it resolve after a single job.
type AutoSkip struct{}

func (AutoSkip) Prompt(ctx context.Context, round int, doubts []Doubt) ([]Answer, error) {
	answers := make([]Answer, len(doubts))
	for i, d := range doubts {
		answers[i] = Answer{Field: d.Field, Skip: true}
	}
	return answers, nil
}

// EventType labels observer notifications.
type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventStatus    EventType = "status"
	EventPrompting EventType = "prompting"
	EventResolved  EventType = "resolved"
)

// Event is one observer notification. Only the fields relevant to its type
// are populated.
type Event struct {
	Type       EventType
	Round      int
	JobID      string
	Input      string // input as submitted, on EventSubmitted
	Update     *status.Update
	Doubts     []Doubt
	Resolution Resolution
	Reason     string
}

// Config tunes a session. Zero values fall back to the defaults.
type Config struct {
	MaxRounds int
	Threshold float64
	Tracker   status.Config
	Log       *slog.Logger

	// Observer, when set, receives loop milestones and status updates.
	// It is called from the session goroutine and must not block for long.
	Observer func(Event)
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Tracker.Log == nil {
		c.Tracker.Log = c.Log
	}
	return c
}

// Outcome is the final account of one session.
type Outcome struct {
	Resolution Resolution
	Reason     string      // failure detail, empty on clean resolutions
	Rounds     int         // clarification rounds consumed
	Jobs       []string    // every job submitted, in order
	Final      job.State   // aggregated state of the last job
	Fields     []api.Field // extracted fields from the last finished job
	Doubts     []Doubt     // doubts outstanding at resolution time
	Input      string      // the input as last submitted
}

// Session drives one submission through the clarification loop. A session
// value runs one loop at a time; Run returns ErrSessionActive if called
// again while a run is in progress.
type Session struct {
	pipeline Pipeline
	prompter Prompter
	cfg      Config
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates a session. A nil prompter defaults to AutoSkip.
func New(p Pipeline, prompter Prompter, cfg Config) *Session {
	cfg = cfg.withDefaults()
	if prompter == nil {
		prompter = AutoSkip{}
	}
	return &Session{pipeline: p, prompter: prompter, cfg: cfg, log: cfg.Log}
}

// Abandon cancels the active run, if any; that run resolves as abandoned.
// Safe to call from any goroutine.
func (s *Session) Abandon() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the loop to resolution: submit, track to a terminal state,
// evaluate confidence, prompt, enrich, resubmit. A round is consumed only by
// a successful resubmission, so a session submits at most MaxRounds+1 jobs.
//
// Failures of the pipeline or transport resolve the session rather than
// erroring out of it; the returned error is reserved for misuse (such as a
// second concurrent Run).
func (s *Session) Run(ctx context.Context, sub api.Submission) (*Outcome, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrSessionActive
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	out := &Outcome{Input: sub.Input}
	original := sub.Input
	answers := map[string]string{}
	st := StateIdle

	advance := func(to State) error {
		if !IsValidTransition(st, to) {
			return fmt.Errorf("illegal session transition %s -> %s", st, to)
		}
		s.log.Debug("session state", "from", st, "to", to)
		st = to
		return nil
	}

	resolve := func(res Resolution, reason string) (*Outcome, error) {
		if err := advance(StateResolved); err != nil {
			return nil, err
		}
		out.Resolution = res
		out.Reason = reason
		out.Rounds = len(out.Jobs) - 1
		if out.Rounds < 0 {
			out.Rounds = 0
		}
		s.notify(Event{Type: EventResolved, Round: out.Rounds, Resolution: res, Reason: reason})
		s.log.Info("clarification session resolved",
			"resolution", res, "rounds", out.Rounds, "jobs", len(out.Jobs), "reason", reason)
		return out, nil
	}

	if err := advance(StateAwaitingResult); err != nil {
		return nil, err
	}

	for {
		jobID, err := s.pipeline.Submit(ctx, sub)
		if err != nil {
			if ctx.Err() != nil {
				return resolve(ResolutionAbandoned, "cancelled during submit")
			}
			return resolve(ResolutionFailed, "submit: "+err.Error())
		}
		out.Jobs = append(out.Jobs, jobID)
		round := len(out.Jobs) - 1

		if st == StateResubmitting {
			if err := advance(StateAwaitingResult); err != nil {
				return nil, err
			}
		}
		s.notify(Event{Type: EventSubmitted, Round: round, JobID: jobID, Input: sub.Input})
		s.log.Info("job submitted", "job", jobID, "round", round)

		final, err := s.await(ctx, jobID, round)
		out.Final = final
		if err != nil {
			return resolve(ResolutionAbandoned, "cancelled while tracking")
		}
		if final.Overall == job.OverallFailed {
			reason, _ := final.FirstError()
			return resolve(ResolutionFailed, reason)
		}

		// The job completed; fetch its result fields once.
		snap, err := s.pipeline.Status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return resolve(ResolutionAbandoned, "cancelled fetching result")
			}
			return resolve(ResolutionFailed, "fetch result: "+err.Error())
		}
		out.Fields = snap.Fields

		doubts := Evaluate(snap.Fields, s.cfg.Threshold)
		out.Doubts = doubts
		if len(doubts) == 0 {
			return resolve(ResolutionHighConfidence, "")
		}
		if round >= s.cfg.MaxRounds {
			return resolve(ResolutionRoundsExhausted, fmt.Sprintf("%d fields still uncertain", len(doubts)))
		}

		if err := advance(StateAwaitingInput); err != nil {
			return nil, err
		}
		s.notify(Event{Type: EventPrompting, Round: round, JobID: jobID, Doubts: doubts})

		got, err := s.prompter.Prompt(ctx, round, doubts)
		if errors.Is(err, ErrAbandoned) || ctx.Err() != nil {
			return resolve(ResolutionAbandoned, "")
		}
		if err != nil {
			return resolve(ResolutionFailed, "prompt: "+err.Error())
		}

		fresh := 0
		for _, a := range got {
			text := strings.TrimSpace(a.Text)
			if a.Skip || text == "" {
				continue
			}
			answers[a.Field] = text
			fresh++
		}
		if fresh == 0 {
			return resolve(ResolutionSkipped, "all questions skipped")
		}

		if err := advance(StateResubmitting); err != nil {
			return nil, err
		}
		sub.Input = enrich(original, answers)
		out.Input = sub.Input
	}
}

// await tracks one job to a terminal state, forwarding status updates to the
// observer. A non-nil error means the run was cancelled.
func (s *Session) await(ctx context.Context, jobID string, round int) (job.State, error) {
	tr := status.New(s.pipeline, jobID, s.cfg.Tracker)
	tr.Start(ctx)
	defer tr.Stop()

	last := job.NewState(jobID)
	for u := range tr.Updates() {
		last = u.State
		upd := u
		s.notify(Event{Type: EventStatus, Round: round, JobID: jobID, Update: &upd})
	}
	if ctx.Err() != nil {
		return last, ctx.Err()
	}
	if !last.Terminal() {
		// Updates can only close early if the tracker was stopped.
		return last, context.Canceled
	}
	return last, nil
}

func (s *Session) notify(ev Event) {
	if s.cfg.Observer != nil {
		s.cfg.Observer(ev)
	}
}

// enrich rebuilds the submission input from the original text plus every
// collected answer, one "field: answer" line per field in name order. Each
// round rebuilds from the original, so the input never accumulates stale
// clarification blocks.
func enrich(original string, answers map[string]string) string {
	if len(answers) == 0 {
		return original
	}
	fields := slices.Sorted(maps.Keys(answers))

	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\n")
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f)
		b.WriteString(": ")
		b.WriteString(answers[f])
	}
	return b.String()
}
