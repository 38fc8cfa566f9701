// Package status turns the server's two delivery channels for job progress,
// polling and push, into a single de-duplicated stream of state updates.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"casework/internal/api"
	"casework/internal/job"
)

const (
	DefaultPollInterval = 2 * time.Second

	// DefaultMaxPolls bounds how long a job may stay non-terminal before
	// the tracker declares it failed: 60 polls at the default interval is
	// two minutes.
	DefaultMaxPolls = 60
)

// Feed is a live push stream of job events.
type Feed interface {
	Events() <-chan api.Event
	Err() error
	Close() error
}

// Backend is the slice of the server API the tracker consumes.
type Backend interface {
	Status(ctx context.Context, jobID string) (*api.Snapshot, error)
	Subscribe(ctx context.Context, jobID string) (Feed, error)
}

// ClientBackend adapts api.Client to the Backend interface.
type ClientBackend struct {
	*api.Client
}

func (b ClientBackend) Subscribe(ctx context.Context, jobID string) (Feed, error) {
	return b.Client.Subscribe(ctx, jobID)
}

// Update pairs a folded state snapshot with the event that produced it.
type Update struct {
	Event job.StatusEvent
	State job.State
}

// Config tunes one tracker. Zero values fall back to the defaults.
type Config struct {
	PollInterval time.Duration
	MaxPolls     int
	Log          *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = DefaultMaxPolls
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Tracker follows one job until it reaches a terminal state.
//
// Two producer goroutines feed it: one polls the status endpoint at a fixed
// interval, one drains the push subscription. Push delivery is best-effort,
// so a dropped subscription only costs latency, never correctness. Both
// producers stamp their events with a per-source arrival sequence and the
// merge folds them through job.State.Apply, which makes redelivery and
// cross-channel races harmless.
//
// Updates are emitted only when the observable state changes. The channel
// closes once the job is terminal or the tracker is stopped.
type Tracker struct {
	backend Backend
	jobID   string
	cfg     Config
	log     *slog.Logger

	incoming chan job.StatusEvent
	updates  chan Update

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a tracker for jobID. Call Start to begin tracking.
func New(backend Backend, jobID string, cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		backend:  backend,
		jobID:    jobID,
		cfg:      cfg,
		log:      cfg.Log.With("job", jobID),
		incoming: make(chan job.StatusEvent, 32),
		updates:  make(chan Update, 32),
		stop:     make(chan struct{}),
	}
}

// Start launches the tracking goroutines.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-t.stop
		cancel()
	}()
	go t.poll(ctx)
	go t.push(ctx)
	go t.merge(ctx)
}

// Updates is the stream of state changes. It closes when the job reaches a
// terminal state or the tracker is stopped.
func (t *Tracker) Updates() <-chan Update { return t.updates }

// Stop halts tracking. Safe to call repeatedly and from any goroutine.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// merge folds incoming events into the job state and publishes the changes.
func (t *Tracker) merge(ctx context.Context) {
	defer close(t.updates)
	defer t.Stop()

	st := job.NewState(t.jobID)
	for {
		var ev job.StatusEvent
		select {
		case <-ctx.Done():
			return
		case ev = <-t.incoming:
		}

		prev := st
		st = st.Apply(ev)
		if st.Equal(prev) {
			continue
		}

		select {
		case t.updates <- Update{Event: ev, State: st}:
		case <-ctx.Done():
			return
		}

		if st.Terminal() {
			t.log.Debug("job settled", "overall", st.Overall)
			return
		}
	}
}

// poll fetches status snapshots at the configured interval. The first poll
// happens immediately. A non-retryable transport failure or an exhausted
// polling budget both surface as a job-level failure event, which the merge
// turns into errored agents.
func (t *Tracker) poll(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	var seq uint64
	polls := 0
	last := make(map[string]api.Event)
	for {
		polls++
		snap, err := t.backend.Status(ctx, t.jobID)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil && !api.Retryable(err):
			t.log.Warn("status poll failed permanently", "error", err)
			seq++
			t.send(ctx, job.StatusEvent{JobID: t.jobID, Phase: job.PhaseError, Message: err.Error(), Seq: seq, Source: job.SourcePoll})
			return
		case err != nil:
			// The client already retried; keep the cadence and try the
			// next tick.
			t.log.Warn("status poll failed", "error", err)
		default:
			// Forward only what moved since the previous snapshot.
			for _, ag := range snap.Agents {
				if prev, ok := last[ag.Agent]; ok && sameEvent(prev, ag) {
					continue
				}
				last[ag.Agent] = ag
				seq++
				t.send(ctx, convert(t.jobID, ag, job.SourcePoll, seq))
			}
		}

		if polls >= t.cfg.MaxPolls {
			t.log.Warn("job did not settle within the polling budget", "polls", polls)
			seq++
			t.send(ctx, job.StatusEvent{JobID: t.jobID, Phase: job.PhaseError, Message: "polling timeout", Seq: seq, Source: job.SourcePoll})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// push drains the subscription feed. Failures here are logged and absorbed:
// polling alone still settles the job.
func (t *Tracker) push(ctx context.Context) {
	feed, err := t.backend.Subscribe(ctx, t.jobID)
	if err != nil {
		t.log.Warn("push channel unavailable", "error", err)
		return
	}
	defer feed.Close()

	var seq uint64
	for ev := range feed.Events() {
		seq++
		t.send(ctx, convert(t.jobID, ev, job.SourcePush, seq))
	}
	if err := feed.Err(); err != nil && ctx.Err() == nil {
		t.log.Warn("push channel dropped", "error", err)
	}
}

func (t *Tracker) send(ctx context.Context, ev job.StatusEvent) {
	select {
	case t.incoming <- ev:
	case <-ctx.Done():
	}
}

// sameEvent compares wire events by value, confidence included.
func sameEvent(a, b api.Event) bool {
	if a.Agent != b.Agent || a.Phase != b.Phase || a.Message != b.Message || a.Tool != b.Tool {
		return false
	}
	if (a.Confidence == nil) != (b.Confidence == nil) {
		return false
	}
	return a.Confidence == nil || *a.Confidence == *b.Confidence
}

// convert maps a wire event onto the internal model, stamping source and
// arrival order. Job-level notices keep their empty Agent.
func convert(jobID string, ev api.Event, src job.Source, seq uint64) job.StatusEvent {
	return job.StatusEvent{
		JobID:      jobID,
		Agent:      ev.Agent,
		Phase:      job.Phase(ev.Phase),
		Message:    ev.Message,
		Confidence: ev.Confidence,
		Tool:       ev.Tool,
		Seq:        seq,
		Source:     src,
	}
}
