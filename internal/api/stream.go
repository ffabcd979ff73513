package api

import (
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rpatwari/voicedesk/internal/identity"
	"github.com/rpatwari/voicedesk/internal/session"
)

// sseConnection represents a single SSE client connection.
type sseConnection struct {
	id      int64
	writer  http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	mu      sync.Mutex
}

// queuedEvent is one broadcast event retained for replay.
type queuedEvent struct {
	ID   int64
	Data []byte
}

// sessionStream is the fan-out point for one user/session pair. A single
// pump goroutine consumes the connector's event feed, assigns event IDs,
// retains a bounded replay queue, and writes to every open SSE connection.
type sessionStream struct {
	mu      sync.Mutex
	eventID int64
	queue   *list.List // *queuedEvent
	conns   map[int64]*sseConnection
	cancel  func()
	refs    int
}

// StreamHandler handles the SSE event stream with event ID tracking for
// message replay, configured retry timing, and keepalives.
type StreamHandler struct {
	*Handler

	mu      sync.Mutex
	streams map[string]*sessionStream
	connID  int64
}

// NewStreamHandler creates a new SSE stream handler.
func NewStreamHandler(base *Handler) *StreamHandler {
	return &StreamHandler{
		Handler: base,
		streams: make(map[string]*sessionStream),
	}
}

// RegisterRoutes registers the stream route.
func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/session/stream", h.HandleStream)
}

func streamKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// acquireStream returns the stream for a session, starting the pump on
// first use.
func (h *StreamHandler) acquireStream(key string, conn *session.Connector) *sessionStream {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.streams[key]; ok {
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
		return s
	}

	events, cancel := conn.Subscribe()
	s := &sessionStream{
		queue:  list.New(),
		conns:  make(map[int64]*sseConnection),
		cancel: cancel,
		refs:   1,
	}
	h.streams[key] = s

	go h.pump(key, s, events)
	return s
}

// releaseStream drops one reference; the last reference cancels the
// connector subscription and frees the replay queue.
func (h *StreamHandler) releaseStream(key string, s *sessionStream) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s.mu.Lock()
	s.refs--
	last := s.refs <= 0
	s.mu.Unlock()

	if last {
		s.cancel()
		delete(h.streams, key)
	}
}

// pump forwards connector events to all SSE connections for the session.
func (h *StreamHandler) pump(key string, s *sessionStream, events <-chan session.Event) {
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("Failed to marshal stream event", "error", err, "session_key", key)
			continue
		}
		h.broadcast(s, data)
	}
}

// broadcast assigns an event ID, records the event for replay, and writes
// it to every open connection.
func (h *StreamHandler) broadcast(s *sessionStream, data []byte) {
	maxQueue := 256
	if h.cfg != nil && h.cfg.Stream.ReplayQueueSize > 0 {
		maxQueue = h.cfg.Stream.ReplayQueueSize
	}

	s.mu.Lock()
	s.eventID++
	eventID := s.eventID
	s.queue.PushBack(&queuedEvent{ID: eventID, Data: data})
	for s.queue.Len() > maxQueue {
		s.queue.Remove(s.queue.Front())
	}
	conns := make([]*sseConnection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		h.sendToConnection(c, eventID, data)
	}
}

// missedEvents returns replayable events after a specific event ID.
func (s *sessionStream) missedEvents(afterEventID int64) []*queuedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missed []*queuedEvent
	for e := s.queue.Front(); e != nil; e = e.Next() {
		ev := e.Value.(*queuedEvent)
		if ev.ID > afterEventID {
			missed = append(missed, ev)
		}
	}
	return missed
}

// sendToConnection writes one event to a specific connection.
func (h *StreamHandler) sendToConnection(c *sseConnection, eventID int64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}

	if err := writeSSEWithID(c.writer, eventID, "message", string(data)); err != nil {
		slog.Warn("Failed to write to SSE connection", "error", err, "conn_id", c.id)
		return
	}
	c.flusher.Flush()
}

// HandleStream handles the SSE stream of session events. Reconnecting
// clients send Last-Event-ID and receive any events they missed.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Parse Last-Event-ID header or query param for replay.
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	retryDelayMs := int64(3000)
	if h.cfg != nil {
		retryDelayMs = h.cfg.Stream.RetryDelay.Milliseconds()
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelayMs)); err != nil {
		slog.Warn("Failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	conn := h.mgr.GetOrCreate(userID, sessionID)
	key := streamKey(userID, sessionID)
	stream := h.acquireStream(key, conn)
	defer h.releaseStream(key, stream)

	h.mu.Lock()
	h.connID++
	connID := h.connID
	h.mu.Unlock()

	c := &sseConnection{
		id:      connID,
		writer:  w,
		flusher: flusher,
		done:    make(chan struct{}),
	}

	stream.mu.Lock()
	stream.conns[connID] = c
	stream.mu.Unlock()

	defer func() {
		close(c.done)
		stream.mu.Lock()
		delete(stream.conns, connID)
		stream.mu.Unlock()
		slog.Info("SSE connection closed", "user_id", userID, "session_id", sessionID, "conn_id", connID)
	}()

	// Replay missed events for reconnecting clients.
	if lastEventID > 0 {
		missed := stream.missedEvents(lastEventID)
		if len(missed) > 0 {
			slog.Info("Replaying missed events",
				"user_id", userID, "session_id", sessionID, "count", len(missed))
			for _, ev := range missed {
				h.sendToConnection(c, ev.ID, ev.Data)
			}
		}
	}

	// Initial event carries the full session snapshot so a fresh client can
	// render without a separate GET.
	snapshot, err := json.Marshal(conn.Snapshot())
	if err == nil {
		c.mu.Lock()
		if err := writeSSE(w, "snapshot", string(snapshot)); err != nil {
			c.mu.Unlock()
			slog.Warn("Failed to write SSE snapshot event", "error", err, "user_id", userID)
			return
		}
		flusher.Flush()
		c.mu.Unlock()
	}

	slog.Info("SSE connection established",
		"user_id", userID, "session_id", sessionID, "conn_id", connID, "reconnect", lastEventID > 0)

	keepaliveInterval := 25 * time.Second
	if h.cfg != nil && h.cfg.Stream.KeepaliveInterval > 0 {
		keepaliveInterval = h.cfg.Stream.KeepaliveInterval
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("SSE stream disconnected", "user_id", userID, "session_id", sessionID)
			return
		case <-keepalive.C:
			c.mu.Lock()
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				c.mu.Unlock()
				slog.Warn("Failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
			c.mu.Unlock()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
