// Package clarify drives the confidence-based clarification loop: evaluate a
// finished job's extracted fields, ask the user about the doubtful ones, and
// resubmit the enriched input, up to a bounded number of rounds.
package clarify

import "errors"

// State is a clarification session's position in its lifecycle.
type State string

const (
	// StateIdle is the state before the first submission.
	StateIdle State = "idle"

	// StateAwaitingResult means a job is in flight and the session is
	// waiting for it to settle.
	StateAwaitingResult State = "awaiting_result"

	// StateAwaitingInput means doubtful fields were found and the session
	// is waiting for the user's answers.
	StateAwaitingInput State = "awaiting_input"

	// StateResubmitting means answers were collected and the enriched
	// input is about to be submitted as a fresh job.
	StateResubmitting State = "resubmitting"

	// StateResolved is terminal. The Resolution says how the session ended.
	StateResolved State = "resolved"
)

// validTransitions defines the legal session state transitions.
// Each key is a source state, and the value is the set of valid targets.
var validTransitions = map[State]map[State]bool{
	StateIdle:           {StateAwaitingResult: true},
	StateAwaitingResult: {StateAwaitingInput: true, StateResolved: true},
	StateAwaitingInput:  {StateResubmitting: true, StateResolved: true},
	StateResubmitting:   {StateAwaitingResult: true, StateResolved: true}, // Resubmitting -> Resolved is a failed resubmit
	StateResolved:       {},
}

// IsValidTransition checks if a session state transition is legal.
func IsValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Resolution says how a session ended.
type Resolution string

const (
	// ResolutionHighConfidence means every field cleared the threshold.
	ResolutionHighConfidence Resolution = "high_confidence"

	// ResolutionSkipped means the user declined to answer anything, so the
	// last result stands as-is.
	ResolutionSkipped Resolution = "skipped"

	// ResolutionRoundsExhausted means doubts remained after the final
	// permitted round.
	ResolutionRoundsExhausted Resolution = "rounds_exhausted"

	// ResolutionFailed means a job failed or the transport gave out.
	ResolutionFailed Resolution = "failed"

	// ResolutionAbandoned means the user walked away mid-session.
	ResolutionAbandoned Resolution = "abandoned"
)

// Sentinel errors for session control flow.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrSessionActive indicates a Run was attempted while another run of
	// the same session is still in progress.
	ErrSessionActive = errors.New("clarification session already active")

	// ErrAbandoned is returned by prompters when the user quits instead of
	// answering. The session resolves as abandoned.
	ErrAbandoned = errors.New("clarification abandoned")
)
