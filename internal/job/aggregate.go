package job

// Apply folds one status event into the state and returns the resulting
// state. It is a pure function: the receiver is never modified, duplicate or
// stale events return the receiver unchanged, and applying the same event
// twice yields the same state as applying it once.
//
// Poll and push deliver overlapping facts in no mutual order, so the merge
// is deliberately commutative where it matters: a later-ranked phase always
// wins, a same-phase event wins only if it carries strictly more information
// (a confidence where none was known, a tool name, a message), and terminal
// phases never revert or displace each other.
func (s State) Apply(ev StatusEvent) State {
	if ev.Phase.Rank() == 0 {
		// Unknown phase: malformed event, drop silently.
		return s
	}
	if ev.Agent == "" {
		return s.applyJobFailure(ev)
	}

	cur, known := s.Agents[ev.Agent]
	if !known {
		next := s.clone()
		st := AgentStatus{
			Agent:      ev.Agent,
			Phase:      ev.Phase,
			Message:    ev.Message,
			Confidence: ev.Confidence,
			Tool:       ev.Tool,
		}
		st.observe(ev.Source, ev.Seq)
		next.Agents[ev.Agent] = st
		next.Overall = computeOverall(next.Agents)
		return next
	}

	replace := replaces(cur, ev)
	if !replace && ev.Seq <= cur.seqMark(ev.Source) {
		// Duplicate delivery: already seen from this source, nothing new.
		return s
	}

	next := s.clone()
	st := next.Agents[ev.Agent]
	st.observe(ev.Source, ev.Seq)
	if replace {
		st.Phase = ev.Phase
		st.Message = ev.Message
		st.Confidence = ev.Confidence
		st.Tool = ev.Tool
	}
	next.Agents[ev.Agent] = st
	next.Overall = computeOverall(next.Agents)
	return next
}

// replaces decides whether the event's payload overwrites the stored status.
func replaces(cur AgentStatus, ev StatusEvent) bool {
	if cur.Phase.Terminal() && ev.Phase.Terminal() && ev.Phase != cur.Phase {
		// First terminal observation wins: complete and error share a rank
		// but must not displace each other.
		return false
	}

	nr, cr := ev.Phase.Rank(), cur.Phase.Rank()
	if nr != cr {
		return nr > cr
	}
	if ev.Phase != cur.Phase {
		return false
	}

	// Same phase. A strictly more informative event wins regardless of
	// source; this is what lets a confidence-carrying poll snapshot repair
	// a partial push notice (and vice versa) in either arrival order.
	ni, ci := eventInfo(ev), statusInfo(cur)
	if ni != ci {
		return ni > ci
	}

	// Equally informative, same phase: accept progress refreshes that are
	// provably newer within their own source (message or tool changed).
	if ev.Seq > cur.seqMark(ev.Source) && (ev.Message != cur.Message || ev.Tool != cur.Tool) {
		return true
	}
	return false
}

func eventInfo(ev StatusEvent) int {
	n := 0
	if ev.Confidence != nil {
		n++
	}
	if ev.Tool != "" {
		n++
	}
	if ev.Message != "" {
		n++
	}
	return n
}

func statusInfo(a AgentStatus) int {
	n := 0
	if a.Confidence != nil {
		n++
	}
	if a.Tool != "" {
		n++
	}
	if a.Message != "" {
		n++
	}
	return n
}

// applyJobFailure handles a job-level failure notice: every agent that has
// not reached a terminal phase is marked errored with the notice's message.
// If nothing has reported yet a single synthetic roster entry is recorded,
// otherwise an empty roster would read as vacuously completed.
func (s State) applyJobFailure(ev StatusEvent) State {
	msg := ev.Message
	if msg == "" {
		msg = "pipeline failure"
	}

	changed := false
	next := s.clone()
	for name, a := range next.Agents {
		if a.Phase.Terminal() {
			continue
		}
		a.Phase = PhaseError
		a.Message = msg
		a.Tool = ""
		next.Agents[name] = a
		changed = true
	}
	if len(next.Agents) == 0 {
		next.Agents[SyntheticAgent] = AgentStatus{Agent: SyntheticAgent, Phase: PhaseError, Message: msg}
		changed = true
	}
	if !changed {
		return s
	}
	next.Overall = computeOverall(next.Agents)
	return next
}

// computeOverall derives the job-level condition from the roster: completed
// iff every known agent completed (and at least one is known), failed iff at
// least one agent errored and none is still in flight, running otherwise.
func computeOverall(agents map[string]AgentStatus) Overall {
	if len(agents) == 0 {
		return OverallRunning
	}
	anyError := false
	for _, a := range agents {
		switch a.Phase {
		case PhaseError:
			anyError = true
		case PhaseComplete:
		default:
			return OverallRunning
		}
	}
	if anyError {
		return OverallFailed
	}
	return OverallCompleted
}

func (s State) clone() State {
	agents := make(map[string]AgentStatus, len(s.Agents)+1)
	for k, v := range s.Agents {
		agents[k] = v
	}
	return State{JobID: s.JobID, Agents: agents, Overall: s.Overall}
}

func (a AgentStatus) seqMark(src Source) uint64 {
	if src == SourcePush {
		return a.pushSeq
	}
	return a.pollSeq
}

func (a *AgentStatus) observe(src Source, seq uint64) {
	if src == SourcePush {
		if seq > a.pushSeq {
			a.pushSeq = seq
		}
		return
	}
	if seq > a.pollSeq {
		a.pollSeq = seq
	}
}
