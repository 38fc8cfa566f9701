package sim

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"casework/internal/api"
	"casework/internal/metrics"
)

// FailMarker in a submission's input makes the category agent crash, so
// failure handling can be exercised against a live server.
const FailMarker = "[crash]"

// agentSpec describes one scripted extraction agent.
type agentSpec struct {
	name    string
	field   string
	tool    string
	hints   []string // lowercase input signals that lift confidence
	useLine bool     // extract the matching line instead of the keyword
	guess   string   // low-confidence fallback value
}

var defaultAgents = []agentSpec{
	{
		name: "geocode", field: "location", tool: "gazetteer", useLine: true,
		hints: []string{" st", "street", " ave", "avenue", " rd", "road", "plaza", "park", "bridge", "square"},
		guess: "unknown area",
	},
	{
		name: "timeframe", field: "occurred_at", tool: "calendar", useLine: true,
		hints: []string{"yesterday", "today", "tonight", "last ", "morning", "evening", "night", "20"},
		guess: "recently",
	},
	{
		name: "category", field: "category", tool: "taxonomy",
		hints: []string{"flood", "fire", "pothole", "leak", "outage", "noise", "graffiti", "debris"},
		guess: "uncategorized",
	},
	{
		name: "severity", field: "severity", tool: "triage",
		hints: []string{"severe", "urgent", "danger", "blocked", "minor", "small"},
		guess: "unknown",
	},
}

// simJob is one job's server-side state.
type simJob struct {
	id      string
	kind    string
	input   string
	created time.Time

	mu      sync.Mutex
	agents  map[string]api.Event
	fields  []api.Field
	settled bool
	subs    map[chan api.Event]struct{}
}

func newSimJob(id, kind, input string) *simJob {
	return &simJob{
		id:      id,
		kind:    kind,
		input:   input,
		created: time.Now(),
		agents:  make(map[string]api.Event),
		subs:    make(map[chan api.Event]struct{}),
	}
}

// record stores an agent transition and pushes it to every subscriber.
// Slow subscribers lose events rather than stalling the pipeline.
func (j *simJob) record(ev api.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.agents[ev.Agent] = ev
	for ch := range j.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (j *simJob) addField(f api.Field) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fields = append(j.fields, f)
}

// settle marks the job terminal and ends every subscription.
func (j *simJob) settle() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.settled {
		return
	}
	j.settled = true
	for ch := range j.subs {
		close(ch)
	}
	j.subs = make(map[chan api.Event]struct{})
}

// subscribe registers a push channel and returns it with the transitions
// recorded so far, so late subscribers still see the whole walk.
func (j *simJob) subscribe() (chan api.Event, []api.Event, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	backlog := make([]api.Event, 0, len(j.agents))
	for _, ev := range j.agents {
		backlog = append(backlog, ev)
	}
	sort.Slice(backlog, func(a, b int) bool { return backlog[a].Agent < backlog[b].Agent })

	if j.settled {
		return nil, backlog, false
	}
	ch := make(chan api.Event, 16)
	j.subs[ch] = struct{}{}
	return ch, backlog, true
}

func (j *simJob) unsubscribe(ch chan api.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.subs[ch]; ok {
		delete(j.subs, ch)
		close(ch)
	}
}

// snapshot renders the job the way the status endpoint reports it.
func (j *simJob) snapshot() *api.Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := &api.Snapshot{JobID: j.id, Overall: overallOf(j.agents)}
	snap.Agents = make([]api.Event, 0, len(j.agents))
	for _, ev := range j.agents {
		snap.Agents = append(snap.Agents, ev)
	}
	sort.Slice(snap.Agents, func(a, b int) bool { return snap.Agents[a].Agent < snap.Agents[b].Agent })

	if snap.Overall != "running" {
		snap.Fields = make([]api.Field, len(j.fields))
		copy(snap.Fields, j.fields)
		sort.Slice(snap.Fields, func(a, b int) bool { return snap.Fields[a].Name < snap.Fields[b].Name })
	}
	return snap
}

func (j *simJob) overall() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return overallOf(j.agents)
}

func overallOf(agents map[string]api.Event) string {
	if len(agents) == 0 {
		return "running"
	}
	failed := false
	for _, ev := range agents {
		switch ev.Phase {
		case "error":
			failed = true
		case "complete":
		default:
			return "running"
		}
	}
	if failed {
		return "failed"
	}
	return "completed"
}

// run walks every agent through its phases and settles the job.
func (s *Server) run(ctx context.Context, j *simJob) {
	var g errgroup.Group
	for i, spec := range s.agents {
		g.Go(func() error {
			// Stagger the starts so the walks interleave.
			s.pause(ctx, time.Duration(i)*s.cfg.StepDelay/2)
			s.runAgent(ctx, j, spec)
			return nil
		})
	}
	_ = g.Wait()

	failed := j.overall() == "failed"
	s.metrics.RecordJobFinished(failed)
	j.settle()
	s.log.Info("job settled", "job", j.id, "failed", failed)
}

// runAgent performs one agent's scripted phase walk.
func (s *Server) runAgent(ctx context.Context, j *simJob, spec agentSpec) {
	started := time.Now()
	defer func() {
		s.metrics.RecordTiming(metrics.OpAgentRun, time.Since(started))
	}()

	j.record(api.Event{JobID: j.id, Agent: spec.name, Phase: "waiting", Message: "queued"})
	s.pause(ctx, s.cfg.StepDelay)

	if spec.name == "category" && strings.Contains(j.input, FailMarker) {
		j.record(api.Event{JobID: j.id, Agent: spec.name, Phase: "error", Message: "agent crashed"})
		return
	}

	j.record(api.Event{JobID: j.id, Agent: spec.name, Phase: "invoking", Message: "analyzing input"})
	s.pause(ctx, s.cfg.StepDelay)

	toolStart := time.Now()
	j.record(api.Event{JobID: j.id, Agent: spec.name, Phase: "calling_tool", Message: "consulting " + spec.tool, Tool: spec.tool})
	s.pause(ctx, s.cfg.StepDelay)
	s.metrics.RecordTiming(metrics.OpToolCall, time.Since(toolStart))

	value, conf := spec.extract(j.input)
	j.addField(api.Field{Name: spec.field, Value: value, Confidence: conf, Agent: spec.name})
	j.record(api.Event{JobID: j.id, Agent: spec.name, Phase: "complete", Message: value, Confidence: &conf})
}

// pause sleeps for d unless the server is shutting down.
func (s *Server) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// extract produces the agent's field value and confidence for an input. An
// explicit "field: value" line (frontmatter seed or clarification answer)
// scores highest, a recognized signal in the text scores well, and anything
// else is a low-confidence guess.
func (a agentSpec) extract(input string) (string, float64) {
	if answer, ok := answerFor(input, a.field); ok {
		return answer, 0.97
	}

	low := strings.ToLower(input)
	for _, hint := range a.hints {
		idx := strings.Index(low, hint)
		if idx < 0 {
			continue
		}
		if a.useLine {
			return lineAround(input, idx), 0.93
		}
		return strings.TrimSpace(hint), 0.93
	}
	return a.guess, 0.45
}

// answerFor scans the input for a "field: value" line. The last one wins.
func answerFor(input, field string) (string, bool) {
	prefix := field + ":"
	var answer string
	found := false
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			if v := strings.TrimSpace(rest); v != "" {
				answer = v
				found = true
			}
		}
	}
	return answer, found
}

// lineAround returns the trimmed input line containing byte offset idx,
// capped to a display-friendly length.
func lineAround(input string, idx int) string {
	start := strings.LastIndexByte(input[:idx], '\n') + 1
	end := strings.IndexByte(input[idx:], '\n')
	if end < 0 {
		end = len(input)
	} else {
		end += idx
	}
	line := strings.TrimSpace(input[start:end])
	if runes := []rune(line); len(runes) > 64 {
		line = string(runes[:64])
	}
	return line
}
