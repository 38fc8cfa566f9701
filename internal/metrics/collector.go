// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64
}

// Snapshot represents the full pipeline statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	JobsSubmitted int64
	JobsCompleted int64
	JobsFailed    int64
	AgentRun      *OperationSnapshot
	ToolCall      *OperationSnapshot
	StatusPoll    *OperationSnapshot
}

// Operation names for the collector.
const (
	OpAgentRun   = "agent_run"
	OpToolCall   = "tool_call"
	OpStatusPoll = "status_poll"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics

	jobsSubmitted int64
	jobsCompleted int64
	jobsFailed    int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{
			MinTime: time.Duration(math.MaxInt64),
		}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordJobSubmitted counts one accepted submission.
func (c *Collector) RecordJobSubmitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsSubmitted++
}

// RecordJobFinished counts one terminal job.
func (c *Collector) RecordJobFinished(failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if failed {
		c.jobsFailed++
	} else {
		c.jobsCompleted++
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	return &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		JobsSubmitted: c.jobsSubmitted,
		JobsCompleted: c.jobsCompleted,
		JobsFailed:    c.jobsFailed,
		AgentRun:      snapshotOp(c.ops[OpAgentRun]),
		ToolCall:      snapshotOp(c.ops[OpToolCall]),
		StatusPoll:    snapshotOp(c.ops[OpStatusPoll]),
	}
}
