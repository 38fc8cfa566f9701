package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"casework/internal/api"
)

// ErrNotFound is returned when a session does not exist. Use errors.Is().
var ErrNotFound = errors.New("session not found")

// Session is one clarification session's history record.
type Session struct {
	ID         string
	Kind       string
	Title      string
	Input      string // input as originally submitted
	Resolution string
	Reason     string
	Rounds     int
	Fields     []api.Field // extracted fields from the last finished job
	StartedAt  time.Time
	ResolvedAt time.Time
}

// Job is one submission within a session.
type Job struct {
	SessionID string
	JobID     string
	Round     int
	Input     string
	Overall   string
	CreatedAt time.Time
}

// SessionRepo handles persistence for session history records.
type SessionRepo struct{}

// Record inserts a resolved session and its jobs in one transaction.
func (r *SessionRepo) Record(ctx context.Context, db *sql.DB, sess Session, jobs []Job) error {
	fieldsJSON, err := json.Marshal(sess.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const insertSession = `INSERT INTO sessions (session_id, kind, title, input, resolution, reason, rounds, fields_json, started_at, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, insertSession,
		sess.ID,
		sess.Kind,
		sess.Title,
		sess.Input,
		sess.Resolution,
		sess.Reason,
		sess.Rounds,
		string(fieldsJSON),
		sess.StartedAt.Unix(),
		sess.ResolvedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	const insertJob = `INSERT INTO session_jobs (session_id, job_id, round, input, overall, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	for _, j := range jobs {
		_, err = tx.ExecContext(ctx, insertJob,
			sess.ID,
			j.JobID,
			j.Round,
			j.Input,
			j.Overall,
			j.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", j.JobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns the most recently started sessions, newest first.
func (r *SessionRepo) List(ctx context.Context, db *sql.DB, limit int) ([]Session, error) {
	const q = `SELECT session_id, kind, title, input, resolution, reason, rounds, fields_json, started_at, resolved_at
FROM sessions ORDER BY started_at DESC, session_id LIMIT ?`

	rows, err := db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// GetByID retrieves one session and its jobs in round order.
func (r *SessionRepo) GetByID(ctx context.Context, db *sql.DB, id string) (*Session, []Job, error) {
	const q = `SELECT session_id, kind, title, input, resolution, reason, rounds, fields_json, started_at, resolved_at
FROM sessions WHERE session_id = ?`

	s, err := scanSession(db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	const jobsQ = `SELECT session_id, job_id, round, input, overall, created_at
FROM session_jobs WHERE session_id = ? ORDER BY round`

	rows, err := db.QueryContext(ctx, jobsQ, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get session jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var created int64
		if err := rows.Scan(&j.SessionID, &j.JobID, &j.Round, &j.Input, &j.Overall, &created); err != nil {
			return nil, nil, fmt.Errorf("scan job: %w", err)
		}
		j.CreatedAt = time.Unix(created, 0)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("get session jobs: %w", err)
	}
	return &s, jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var fieldsJSON string
	var started, resolved int64
	err := row.Scan(&s.ID, &s.Kind, &s.Title, &s.Input, &s.Resolution, &s.Reason,
		&s.Rounds, &fieldsJSON, &started, &resolved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, sql.ErrNoRows
		}
		return s, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &s.Fields); err != nil {
		return s, fmt.Errorf("unmarshal fields: %w", err)
	}
	s.StartedAt = time.Unix(started, 0)
	s.ResolvedAt = time.Unix(resolved, 0)
	return s, nil
}
