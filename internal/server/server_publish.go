package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/edgeman/internal/domain"
	"github.com/koltyakov/edgeman/internal/publish"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const eventWriteTimeout = 10 * time.Second

// handlePublish runs one cycle synchronously. The cycle is detached from the
// request so a dropped client does not abort it half way.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "publishing is not configured"})
		return
	}
	dryRun := parseBool(r.URL.Query().Get("dry_run"))
	report, err := s.publisher.Publish(context.WithoutCancel(r.Context()), publish.TriggerAPI, dryRun)
	if errors.Is(err, domain.ErrBusy) {
		s.writeError(w, err)
		return
	}
	if err != nil {
		s.log.Warn("publish finished with error", "run_id", report.ID, "err", err)
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePublishLatest(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.LatestPublishReport(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePublishHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	reports, err := s.store.ListPublishReports(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(reports))
}

func (s *Server) handlePublishEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.events.subscribe()
	defer s.events.unsubscribe(ch)

	// Subscribers never send; reading surfaces the close frame.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readDone:
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

const subscriberBuffer = 64

// eventHub fans publish events out to websocket subscribers. A subscriber
// whose buffer is full misses events rather than stalling the cycle.
type eventHub struct {
	mu     sync.Mutex
	subs   map[chan publish.Event]struct{}
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan publish.Event]struct{})}
}

func (h *eventHub) subscribe() chan publish.Event {
	ch := make(chan publish.Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

func (h *eventHub) unsubscribe(ch chan publish.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *eventHub) broadcast(ev publish.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *eventHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
