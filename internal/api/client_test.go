package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *Client {
	c := New(baseURL, "test-token", slog.New(slog.NewTextHandler(io.Discard, nil)))
	// Collapse the retry schedule so failure paths run instantly.
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func serveSession(calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		writeJSON(w, map[string]string{"token": "sess-1"})
	}
}

func TestSubmitRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/session", serveSession(nil))
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, `{"error":"agent pool exhausted"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"jobId": "job-42"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	jobID, err := client.Submit(context.Background(), Submission{Kind: "report", Input: "flooding on Elm St"})
	require.NoError(t, err, "should succeed once the server recovers")
	assert.Equal(t, "job-42", jobID)
	assert.EqualValues(t, 3, attempts.Load(), "should have retried the 5xx responses")
}

func TestSubmitGivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/session", serveSession(nil))
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, `{"error":"still broken"}`, http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.Submit(context.Background(), Submission{Kind: "report", Input: "x"})
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ClassServer, apiErr.Class)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.True(t, apiErr.Retryable())
	assert.EqualValues(t, maxAttempts, attempts.Load(), "should stop after the attempt budget")
}

func TestBadRequestIsNotRetried(t *testing.T) {
	var attempts atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/session", serveSession(nil))
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, `{"error":"unknown job kind"}`, http.StatusBadRequest)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.Submit(context.Background(), Submission{Kind: "bogus", Input: "x"})
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ClassBadRequest, apiErr.Class)
	assert.Equal(t, "unknown job kind", apiErr.Message)
	assert.False(t, apiErr.Retryable())
	assert.False(t, Retryable(err))
	assert.EqualValues(t, 1, attempts.Load(), "4xx responses must not be retried")
}

func TestAuthFailureIsTerminal(t *testing.T) {
	var jobCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
	})
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		jobCalls.Add(1)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.Submit(context.Background(), Submission{Kind: "report", Input: "x"})
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ClassAuth, apiErr.Class)
	assert.False(t, apiErr.Retryable())
	assert.EqualValues(t, 0, jobCalls.Load(), "job endpoint must not be reached without a session")
}

func TestNetworkFailureClassified(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := newTestClient(url)
	_, err := client.Submit(context.Background(), Submission{Kind: "report", Input: "x"})
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ClassNetwork, apiErr.Class)
	assert.True(t, Retryable(err))
}

func TestConcurrentSubmitsShareOneHandshake(t *testing.T) {
	var sessions atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		sessions.Add(1)
		time.Sleep(50 * time.Millisecond) // widen the race window
		writeJSON(w, map[string]string{"token": "sess-1"})
	})
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"jobId": "job-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Submit(context.Background(), Submission{Kind: "report", Input: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, sessions.Load(), "concurrent submits must coalesce onto one handshake")
}

func TestFailedHandshakeIsNotCached(t *testing.T) {
	var sessions atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		if sessions.Add(1) == 1 {
			http.Error(w, `{"error":"warming up"}`, http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]string{"token": "sess-2"})
	})
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"jobId": "job-7"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)

	_, err := client.Submit(context.Background(), Submission{Kind: "report", Input: "x"})
	require.Error(t, err, "first submit should surface the handshake failure")

	jobID, err := client.Submit(context.Background(), Submission{Kind: "report", Input: "x"})
	require.NoError(t, err, "second submit should perform a fresh handshake")
	assert.Equal(t, "job-7", jobID)
	assert.EqualValues(t, 2, sessions.Load())
}

func TestStatusCarriesSessionAndDecodesSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/session", serveSession(nil))
	mux.HandleFunc("GET /api/v1/jobs/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "sess-1", r.Header.Get(sessionHeader))
		assert.Equal(t, "job-3", r.PathValue("id"))

		conf := 0.42
		writeJSON(w, Snapshot{
			JobID:   "job-3",
			Overall: "running",
			Agents: []Event{
				{Agent: "geocode", Phase: "complete", Message: "Springfield, MA", Confidence: &conf},
				{Agent: "timeframe", Phase: "invoking"},
			},
			Fields: []Field{
				{Name: "location", Value: "Springfield, MA", Confidence: 0.42, Agent: "geocode"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	snap, err := client.Status(context.Background(), "job-3")
	require.NoError(t, err)

	assert.Equal(t, "job-3", snap.JobID)
	assert.Equal(t, "running", snap.Overall)
	require.Len(t, snap.Agents, 2)
	require.NotNil(t, snap.Agents[0].Confidence)
	assert.InDelta(t, 0.42, *snap.Agents[0].Confidence, 1e-9)
	require.Len(t, snap.Fields, 1)
	assert.Equal(t, "location", snap.Fields[0].Name)
}

func TestSubmitAcceptsCreatedStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/session", serveSession(nil))
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"jobId": "job-11"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	jobID, err := newTestClient(srv.URL).Submit(context.Background(), Submission{Kind: "query", Input: "q"})
	require.NoError(t, err, "201 is a success for job creation")
	assert.Equal(t, "job-11", jobID)
}

func TestJobsDecodesIndex(t *testing.T) {
	created := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/session", serveSession(nil))
	mux.HandleFunc("GET /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"jobs": []JobSummary{
			{JobID: "job-2", Kind: "query", Overall: "running", CreatedAt: created},
			{JobID: "job-1", Kind: "report", Overall: "completed", CreatedAt: created.Add(-time.Hour)},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	jobs, err := newTestClient(srv.URL).Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-2", jobs[0].JobID)
	assert.Equal(t, "completed", jobs[1].Overall)
	assert.True(t, jobs[0].CreatedAt.Equal(created))
}

func TestSubscribeStreamsEvents(t *testing.T) {
	pushed := []Event{
		{JobID: "job-9", Agent: "geocode", Phase: "invoking"},
		{JobID: "job-9", Agent: "geocode", Phase: "calling_tool", Tool: "gazetteer"},
		{JobID: "job-9", Agent: "geocode", Phase: "complete", Message: "Springfield, MA"},
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/session", serveSession(nil))
	mux.HandleFunc("/api/v1/jobs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "job-9", r.PathValue("id"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		for _, ev := range pushed {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	sub, err := client.Subscribe(context.Background(), "job-9")
	require.NoError(t, err)
	defer sub.Close()

	var got []Event
	for ev := range sub.Events() {
		got = append(got, ev)
	}

	require.Len(t, got, len(pushed), "should receive every pushed event")
	assert.Equal(t, pushed, got)
	assert.NoError(t, sub.Err(), "normal close should not register as an error")
}

func TestSubscribeCancelledByContext(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/session", serveSession(nil))
	mux.HandleFunc("/api/v1/jobs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		// Hold the stream open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(srv.URL)
	sub, err := client.Subscribe(ctx, "job-5")
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-sub.Events():
		assert.False(t, open, "events channel should close after cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close after context cancellation")
	}

	assert.NoError(t, sub.Err(), "deliberate close should not register as an error")
}
