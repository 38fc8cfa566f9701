package api

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subscription is a live event feed for one job. The Events channel closes
// when the server finishes the stream, the connection drops, or the
// subscribing context is cancelled; Err reports the cause of an abnormal
// close.
type Subscription struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// Subscribe opens the push channel for a job's events.
//
// Push delivery is best-effort: the feed can drop mid-job without the job
// itself failing, so callers should treat a closed channel as "no more push
// events", not as a verdict on the job.
func (c *Client) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	if err := c.EnsureReady(ctx); err != nil {
		return nil, err
	}

	wsBase := strings.Replace(c.baseURL, "http://", "ws://", 1)
	wsBase = strings.Replace(wsBase, "https://", "wss://", 1)

	u, err := url.Parse(wsBase + "/api/v1/jobs/" + url.PathEscape(jobID) + "/events")
	if err != nil {
		return nil, netError("subscribe", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	c.authorize(header)

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, classifyStatus("subscribe", resp.StatusCode, body)
		}
		return nil, netError("subscribe", err)
	}

	sub := &Subscription{
		conn:   conn,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go sub.watch(ctx)
	go sub.read()
	return sub, nil
}

// Events returns the feed. It closes when the stream ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Err returns the cause of an abnormal close, or nil after a clean shutdown.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the connection. Safe to call from any goroutine, any
// number of times.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.conn.Close()
}

// watch closes the connection when the subscribing context is cancelled,
// which unblocks the read loop.
func (s *Subscription) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.Close()
	case <-s.done:
	}
}

func (s *Subscription) read() {
	defer close(s.events)
	for {
		var ev Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			s.mu.Lock()
			deliberate := s.closed
			if !deliberate && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.err = err
			}
			s.mu.Unlock()
			s.Close()
			return
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
