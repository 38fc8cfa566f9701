package clarify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casework/internal/api"
	"casework/internal/job"
	"casework/internal/status"
)

// scriptedJob is the outcome the fake pipeline serves for one submission.
type scriptedJob struct {
	fields  []api.Field
	failure string // non-empty makes the job fail with this message
}

type fakePipeline struct {
	mu          sync.Mutex
	script      []scriptedJob
	submits     []api.Submission
	submitErrAt int // 1-based submission index that fails, 0 = never
}

func (p *fakePipeline) Submit(ctx context.Context, sub api.Submission) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.submits) + 1
	if p.submitErrAt == n {
		return "", errors.New("connection refused")
	}
	p.submits = append(p.submits, sub)
	return fmt.Sprintf("job-%d", n), nil
}

func (p *fakePipeline) Status(ctx context.Context, jobID string) (*api.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int
	if _, err := fmt.Sscanf(jobID, "job-%d", &n); err != nil || n < 1 {
		return nil, fmt.Errorf("unknown job %q", jobID)
	}
	i := n - 1
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	js := p.script[i]

	if js.failure != "" {
		return &api.Snapshot{
			JobID:   jobID,
			Overall: "failed",
			Agents:  []api.Event{{Agent: "extract", Phase: "error", Message: js.failure}},
		}, nil
	}
	return &api.Snapshot{
		JobID:   jobID,
		Overall: "completed",
		Agents:  []api.Event{{Agent: "extract", Phase: "complete", Message: "done"}},
		Fields:  js.fields,
	}, nil
}

func (p *fakePipeline) Subscribe(ctx context.Context, jobID string) (status.Feed, error) {
	return nil, errors.New("no push feed")
}

func (p *fakePipeline) submissions() []api.Submission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]api.Submission(nil), p.submits...)
}

// scriptPrompter serves pre-canned answers, one slice per round.
type scriptPrompter struct {
	mu      sync.Mutex
	calls   [][]Doubt
	answers [][]Answer
	err     error
}

func (p *scriptPrompter) Prompt(ctx context.Context, round int, doubts []Doubt) ([]Answer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, doubts)
	if p.err != nil {
		return nil, p.err
	}
	i := len(p.calls) - 1
	if i >= len(p.answers) {
		return nil, nil
	}
	return p.answers[i], nil
}

func (p *scriptPrompter) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func confidentFields() []api.Field {
	return []api.Field{
		{Name: "category", Value: "flooding", Confidence: 0.97, Agent: "classify"},
		{Name: "location", Value: "Springfield, MA", Confidence: 0.95, Agent: "geocode"},
	}
}

func doubtfulFields() []api.Field {
	return []api.Field{
		{Name: "category", Value: "flooding", Confidence: 0.97, Agent: "classify"},
		{Name: "location", Value: "near the river", Confidence: 0.41, Agent: "geocode"},
		{Name: "occurred_at", Value: "recently", Confidence: 0.6, Agent: "timeframe"},
	}
}

func testSessionConfig() Config {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	return Config{
		Tracker: status.Config{PollInterval: time.Millisecond, MaxPolls: 20, Log: discard},
		Log:     discard,
	}
}

func TestSessionHighConfidenceFirstPass(t *testing.T) {
	pipeline := &fakePipeline{script: []scriptedJob{{fields: confidentFields()}}}
	prompter := &scriptPrompter{}
	sess := New(pipeline, prompter, testSessionConfig())

	out, err := sess.Run(context.Background(), api.Submission{Kind: "report", Input: "flooding near the river"})
	require.NoError(t, err)

	assert.Equal(t, ResolutionHighConfidence, out.Resolution)
	assert.Equal(t, 0, out.Rounds)
	assert.Equal(t, []string{"job-1"}, out.Jobs)
	assert.Equal(t, job.OverallCompleted, out.Final.Overall)
	assert.Empty(t, out.Doubts)
	assert.Zero(t, prompter.callCount(), "no doubts means no prompt")
}

func TestSessionOneRoundThenConfident(t *testing.T) {
	pipeline := &fakePipeline{script: []scriptedJob{
		{fields: doubtfulFields()},
		{fields: confidentFields()},
	}}
	prompter := &scriptPrompter{answers: [][]Answer{{
		{Field: "location", Text: "123 Elm St"},
		{Field: "occurred_at", Skip: true},
	}}}
	sess := New(pipeline, prompter, testSessionConfig())

	out, err := sess.Run(context.Background(), api.Submission{Kind: "report", Input: "flooding near the river", Tags: []string{"civic"}})
	require.NoError(t, err)

	assert.Equal(t, ResolutionHighConfidence, out.Resolution)
	assert.Equal(t, 1, out.Rounds)
	assert.Equal(t, []string{"job-1", "job-2"}, out.Jobs)

	require.Equal(t, 1, prompter.callCount())
	asked := prompter.calls[0]
	require.Len(t, asked, 2)
	assert.Equal(t, "location", asked[0].Field, "most doubtful field should be asked first")
	assert.Equal(t, "occurred_at", asked[1].Field)

	subs := pipeline.submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, "flooding near the river\n\nlocation: 123 Elm St", subs[1].Input)
	assert.Equal(t, "report", subs[1].Kind, "resubmission keeps the job kind")
	assert.Equal(t, []string{"civic"}, subs[1].Tags, "resubmission keeps the tags")
}

func TestSessionSkippedEntirely(t *testing.T) {
	pipeline := &fakePipeline{script: []scriptedJob{{fields: doubtfulFields()}}}
	prompter := &scriptPrompter{answers: [][]Answer{{
		{Field: "location", Skip: true},
		{Field: "occurred_at", Text: "   "},
	}}}
	sess := New(pipeline, prompter, testSessionConfig())

	out, err := sess.Run(context.Background(), api.Submission{Kind: "report", Input: "something happened"})
	require.NoError(t, err)

	assert.Equal(t, ResolutionSkipped, out.Resolution)
	assert.Equal(t, 0, out.Rounds)
	assert.Equal(t, []string{"job-1"}, out.Jobs)
	assert.Equal(t, 1, prompter.callCount())
}

func TestSessionAutoSkipPrompter(t *testing.T) {
	pipeline := &fakePipeline{script: []scriptedJob{{fields: doubtfulFields()}}}
	sess := New(pipeline, nil, testSessionConfig())

	out, err := sess.Run(context.Background(), api.Submission{Kind: "report", Input: "something happened"})
	require.NoError(t, err)

	assert.Equal(t, ResolutionSkipped, out.Resolution)
	assert.Equal(t, 0, out.Rounds)
}

func TestSessionRoundsExhausted(t *testing.T) {
	stubborn := scriptedJob{fields: doubtfulFields()}
	pipeline := &fakePipeline{script: []scriptedJob{stubborn, stubborn, stubborn, stubborn}}
	prompter := &scriptPrompter{answers: [][]Answer{
		{{Field: "location", Text: "guess 1"}},
		{{Field: "location", Text: "guess 2"}},
		{{Field: "location", Text: "guess 3"}},
	}}
	sess := New(pipeline, prompter, testSessionConfig())

	out, err := sess.Run(context.Background(), api.Submission{Kind: "report", Input: "something happened"})
	require.NoError(t, err)

	assert.Equal(t, ResolutionRoundsExhausted, out.Resolution)
	assert.Equal(t, DefaultMaxRounds, out.Rounds)
	assert.Len(t, out.Jobs, DefaultMaxRounds+1, "a session submits at most MaxRounds+1 jobs")
	assert.Equal(t, DefaultMaxRounds, prompter.callCount())
	assert.NotEmpty(t, out.Doubts, "exhaustion implies doubts remained")

	// Each round rebuilds the clarification block instead of appending.
	assert.Equal(t, 1, strings.Count(out.Input, "location:"), "answers must replace, not accumulate")
	assert.Contains(t, out.Input, "location: guess 3")
	assert.Equal(t, 1, strings.Count(out.Input, "\n\n"))
}

func TestSessionAnswersAccumulateAcrossRounds(t *testing.T) {
	pipeline := &fakePipeline{script: []scriptedJob{
		{fields: doubtfulFields()},
		{fields: doubtfulFields()},
		{fields: confidentFields()},
	}}
	prompter := &scriptPrompter{answers: [][]Answer{
		{{Field: "location", Text: "123 Elm St"}},
		{{Field: "occurred_at", Text: "Tuesday evening"}},
	}}
	sess := New(pipeline, prompter, testSessionConfig())

	out, err := sess.Run(context.Background(), api.Submission{Kind: "report", Input: "flooding"})
	require.NoError(t, err)

	assert.Equal(t, ResolutionHighConfidence, out.Resolution)
	assert.Equal(t, 2, out.Rounds)

	subs := pipeline.submissions()
	require.Len(t, subs, 3)
	assert.Equal(t, "flooding\n\nlocation: 123 Elm St", subs[1].Input)
	assert.Equal(t, "flooding\n\nlocation: 123 Elm St\noccurred_at: Tuesday evening", subs[2].Input,
		"later rounds keep earlier answers, in field order")
}

func TestSessionJobFailure(t *testing.T) {
	pipeline := &fakePipeline{script: []scriptedJob{{failure: "geocoder crashed"}}}
	prompter := &scriptPrompter{}
	sess := New(pipeline, prompter, testSessionConfig())

	out, err := sess.Run(context.Background(), api.Submission{Kind: "report", Input: "x"})
	require.NoError(t, err)

	assert.Equal(t, ResolutionFailed, out.Resolution)
	assert.Equal(t, "geocoder crashed", out.Reason)
	assert.Equal(t, job.OverallFailed, out.Final.Overall)
	assert.Zero(t, prompter.callCount(), "a failed job is never clarified")
}

func TestSessionResubmitFailureDoesNotConsumeRound(t *testing.T) {
	pipeline := &fakePipeline{
		script:      []scriptedJob{{fields: doubtfulFields()}},
		submitErrAt: 2,
	}
	prompter := &scriptPrompter{answers: [][]Answer{
		{{Field: "location", Text: "123 Elm St"}},
	}}
	sess := New(pipeline, prompter, testSessionConfig())

	out, err := sess.Run(context.Background(), api.Submission{Kind: "report", Input: "x"})
	require.NoError(t, err)

	assert.Equal(t, ResolutionFailed, out.Resolution)
	assert.Contains(t, out.Reason, "submit:")
	assert.Equal(t, 1, prompter.callCount())
	assert.Equal(t, 0, out.Rounds, "a round is consumed only by a successful resubmission")
	assert.Equal(t, []string{"job-1"}, out.Jobs)
}

func TestSessionPrompterAbandons(t *testing.T) {
	pipeline := &fakePipeline{script: []scriptedJob{{fields: doubtfulFields()}}}
	prompter := &scriptPrompter{err: ErrAbandoned}
	sess := New(pipeline, prompter, testSessionConfig())

	out, err := sess.Run(context.Background(), api.Submission{Kind: "report", Input: "x"})
	require.NoError(t, err)

	assert.Equal(t, ResolutionAbandoned, out.Resolution)
	assert.Equal(t, 0, out.Rounds)
}

// blockingPrompter parks until its context dies, signalling entry first.
type blockingPrompter struct {
	entered chan struct{}
}

func (p *blockingPrompter) Prompt(ctx context.Context, round int, doubts []Doubt) ([]Answer, error) {
	close(p.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSessionAbandonDuringPrompt(t *testing.T) {
	pipeline := &fakePipeline{script: []scriptedJob{{fields: doubtfulFields()}}}
	prompter := &blockingPrompter{entered: make(chan struct{})}
	sess := New(pipeline, prompter, testSessionConfig())

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.Run(context.Background(), api.Submission{Kind: "report", Input: "x"})
		done <- result{out, err}
	}()

	select {
	case <-prompter.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("prompter was never reached")
	}

	sess.Abandon()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, ResolutionAbandoned, r.out.Resolution)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not resolve after Abandon")
	}
}

func TestSessionRejectsConcurrentRun(t *testing.T) {
	pipeline := &fakePipeline{script: []scriptedJob{{fields: doubtfulFields()}}}
	prompter := &blockingPrompter{entered: make(chan struct{})}
	sess := New(pipeline, prompter, testSessionConfig())

	go func() {
		_, _ = sess.Run(context.Background(), api.Submission{Kind: "report", Input: "x"})
	}()

	select {
	case <-prompter.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("first run never reached the prompter")
	}

	_, err := sess.Run(context.Background(), api.Submission{Kind: "report", Input: "y"})
	assert.ErrorIs(t, err, ErrSessionActive)

	sess.Abandon()
}

func TestSessionObserverSequence(t *testing.T) {
	pipeline := &fakePipeline{script: []scriptedJob{
		{fields: doubtfulFields()},
		{fields: confidentFields()},
	}}
	prompter := &scriptPrompter{answers: [][]Answer{
		{{Field: "location", Text: "123 Elm St"}},
	}}

	var types []EventType
	cfg := testSessionConfig()
	cfg.Observer = func(ev Event) { types = append(types, ev.Type) }

	sess := New(pipeline, prompter, cfg)
	out, err := sess.Run(context.Background(), api.Submission{Kind: "report", Input: "x"})
	require.NoError(t, err)
	require.Equal(t, ResolutionHighConfidence, out.Resolution)

	require.NotEmpty(t, types)
	assert.Equal(t, EventSubmitted, types[0])
	assert.Equal(t, EventResolved, types[len(types)-1])

	count := map[EventType]int{}
	for _, ty := range types {
		count[ty]++
	}
	assert.Equal(t, 2, count[EventSubmitted])
	assert.Equal(t, 1, count[EventPrompting])
	assert.Equal(t, 1, count[EventResolved])
	assert.Greater(t, count[EventStatus], 0, "status updates should flow to the observer")
}
