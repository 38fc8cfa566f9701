// Package job defines the data model for tracked pipeline jobs: the status
// events observed over the wire, the per-agent statuses derived from them,
// and the aggregated job-level state.
package job

import "slices"

// Kind identifies what a submission asks the pipeline to do.
type Kind string

const (
	// KindReport ingests a filed report through the extraction agents.
	KindReport Kind = "report"
	// KindQuery answers a natural-language question against prior reports.
	KindQuery Kind = "query"
)

// Phase is an agent's lifecycle position within one job.
type Phase string

const (
	PhaseWaiting     Phase = "waiting"
	PhaseInvoking    Phase = "invoking"
	PhaseCallingTool Phase = "calling_tool"
	PhaseComplete    Phase = "complete"
	PhaseError       Phase = "error"
)

// Rank orders phases for merging: waiting < invoking < calling_tool < the two
// terminal phases, which share the top rank. Unknown phases rank below
// waiting so malformed events can never displace real observations.
func (p Phase) Rank() int {
	switch p {
	case PhaseWaiting:
		return 1
	case PhaseInvoking:
		return 2
	case PhaseCallingTool:
		return 3
	case PhaseComplete, PhaseError:
		return 4
	default:
		return 0
	}
}

// Terminal reports whether the phase is one an agent never leaves.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// Source identifies which transport delivered a status event.
type Source string

const (
	SourcePoll Source = "poll"
	SourcePush Source = "push"
)

// StatusEvent is one observation about job progress. Events are append-only
// facts; the aggregator merges them but never mutates them.
//
// An event with an empty Agent is a job-level failure notice (for example the
// status channel's polling timeout): applying it fails every agent that has
// not yet reached a terminal phase.
type StatusEvent struct {
	JobID      string
	Agent      string
	Phase      Phase
	Message    string
	Confidence *float64 // present only on complete
	Tool       string   // present only on calling_tool
	Seq        uint64   // arrival order within one source
	Source     Source
}

// SyntheticAgent is the roster entry recorded when a job-level failure
// arrives before any agent has reported.
const SyntheticAgent = "pipeline"

// AgentStatus is the latest merged status for one (job, agent) pair.
type AgentStatus struct {
	Agent      string
	Phase      Phase
	Message    string
	Confidence *float64
	Tool       string

	// High-water sequence marks per source, used to drop duplicates.
	pollSeq uint64
	pushSeq uint64
}

// Equal compares the observable fields of two statuses, ignoring the
// per-source bookkeeping.
func (a AgentStatus) Equal(b AgentStatus) bool {
	if a.Agent != b.Agent || a.Phase != b.Phase || a.Message != b.Message || a.Tool != b.Tool {
		return false
	}
	if (a.Confidence == nil) != (b.Confidence == nil) {
		return false
	}
	if a.Confidence != nil && *a.Confidence != *b.Confidence {
		return false
	}
	return true
}

// Overall is the computed job-level condition.
type Overall string

const (
	OverallRunning   Overall = "running"
	OverallCompleted Overall = "completed"
	OverallFailed    Overall = "failed"
)

// State is the authoritative aggregated view of one job. Values are
// immutable snapshots: Apply returns a fresh State and never modifies the
// receiver, so a State handed to an observer stays valid on any goroutine.
type State struct {
	JobID   string
	Agents  map[string]AgentStatus
	Overall Overall
}

// NewState returns the empty state for a job. With no agents observed yet
// the job counts as running: the roster is discovered from events, never
// pre-declared.
func NewState(jobID string) State {
	return State{JobID: jobID, Agents: map[string]AgentStatus{}, Overall: OverallRunning}
}

// Terminal reports whether the job has finished, successfully or not.
func (s State) Terminal() bool {
	return s.Overall == OverallCompleted || s.Overall == OverallFailed
}

// Equal reports whether two states are observably identical: same verdict and
// the same roster with equal per-agent status. Sequence bookkeeping is
// ignored, so a state that only absorbed duplicates compares equal to its
// predecessor.
func (s State) Equal(o State) bool {
	if s.JobID != o.JobID || s.Overall != o.Overall || len(s.Agents) != len(o.Agents) {
		return false
	}
	for name, a := range s.Agents {
		b, ok := o.Agents[name]
		if !ok || !a.Equal(b) {
			return false
		}
	}
	return true
}

// AgentsSorted returns the roster ordered by agent name for stable display.
func (s State) AgentsSorted() []AgentStatus {
	out := make([]AgentStatus, 0, len(s.Agents))
	for _, a := range s.Agents {
		out = append(out, a)
	}
	slices.SortFunc(out, func(x, y AgentStatus) int {
		if x.Agent < y.Agent {
			return -1
		}
		if x.Agent > y.Agent {
			return 1
		}
		return 0
	})
	return out
}

// Progress returns how many known agents have reached a terminal phase.
func (s State) Progress() (terminal, known int) {
	for _, a := range s.Agents {
		if a.Phase.Terminal() {
			terminal++
		}
	}
	return terminal, len(s.Agents)
}

// FirstError returns the message of an errored agent, if any. Agents are
// scanned in name order so the result is deterministic.
func (s State) FirstError() (string, bool) {
	for _, a := range s.AgentsSorted() {
		if a.Phase == PhaseError {
			return a.Message, true
		}
	}
	return "", false
}
