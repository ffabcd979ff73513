package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

// wireEvent is the room provider's websocket envelope.
type wireEvent struct {
	Event    string          `json:"event"`
	Identity string          `json:"identity,omitempty"`
	Track    string          `json:"track,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// joinRequest is sent once after the websocket is established.
type joinRequest struct {
	Event     string `json:"event"`
	Room      string `json:"room"`
	Identity  string `json:"identity"`
	AudioOnly bool   `json:"audio_only"`
}

// eventBufferSize bounds the event channel so a slow consumer backpressures
// the read loop instead of dropping or reordering events.
const eventBufferSize = 64

// ErrNotConnected is returned by PublishData before Connect or after Disconnect.
var ErrNotConnected = errors.New("room: not connected")

// WebsocketClient implements Client over the room provider's websocket
// endpoint. The websocket gives the reliable, ordered delivery the data
// channel contract requires.
type WebsocketClient struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	events chan Event
	closed bool
	cancel context.CancelFunc
}

// NewWebsocketClient creates an unconnected websocket room client.
func NewWebsocketClient() *WebsocketClient {
	return &WebsocketClient{
		events: make(chan Event, eventBufferSize),
	}
}

// Connect dials the room provider and starts the read loop. A client
// connects at most once; a closed client cannot be reused.
func (c *WebsocketClient) Connect(ctx context.Context, opts ConnectOptions) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	endpoint, err := url.Parse(opts.URL)
	if err != nil {
		return fmt.Errorf("parse room url: %w", err)
	}
	q := endpoint.Query()
	q.Set("room", opts.RoomName)
	q.Set("identity", opts.Identity)
	endpoint.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.Token)

	conn, _, err := websocket.Dial(ctx, endpoint.String(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("dial room provider: %w", err)
	}

	join := joinRequest{
		Event:     "join",
		Room:      opts.RoomName,
		Identity:  opts.Identity,
		AudioOnly: opts.AudioOnly,
	}
	data, err := json.Marshal(join)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "join encode failed")
		return fmt.Errorf("encode join request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "join write failed")
		return fmt.Errorf("send join request: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client closed during connect")
		return ErrNotConnected
	}
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(readCtx, conn, opts.RoomName)

	slog.Info("Room connected", "room", opts.RoomName, "identity", opts.Identity, "audio_only", opts.AudioOnly)
	return nil
}

// readLoop converts provider envelopes to Events, preserving arrival order.
func (c *WebsocketClient) readLoop(ctx context.Context, conn *websocket.Conn, roomName string) {
	defer close(c.events)

	for {
		_, message, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("Room websocket closed", "room", roomName)
			} else {
				slog.Warn("Room websocket read error", "room", roomName, "error", err)
			}
			c.events <- Event{Type: EventDisconnected, Reason: disconnectReason(err)}
			return
		}

		var we wireEvent
		if err := json.Unmarshal(message, &we); err != nil {
			slog.Warn("Dropping undecodable room envelope", "room", roomName, "error", err)
			continue
		}

		switch we.Event {
		case "data":
			c.events <- Event{Type: EventData, Payload: []byte(we.Payload)}
		case "participant_joined":
			c.events <- Event{Type: EventParticipantJoined, Participant: we.Identity}
		case "participant_left":
			c.events <- Event{Type: EventParticipantLeft, Participant: we.Identity}
		case "track_subscribed":
			c.events <- Event{Type: EventTrackSubscribed, Participant: we.Identity, TrackID: we.Track}
		case "disconnected":
			c.events <- Event{Type: EventDisconnected, Reason: we.Reason}
			return
		default:
			slog.Debug("Ignoring unknown room envelope", "room", roomName, "event", we.Event)
		}
	}
}

func disconnectReason(err error) string {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return "closed"
	}
	return err.Error()
}

// PublishData publishes a payload over the data channel. The websocket
// provides reliable, ordered per-sender delivery.
func (c *WebsocketClient) PublishData(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if conn == nil || closed {
		return ErrNotConnected
	}

	envelope := wireEvent{Event: "data", Payload: json.RawMessage(payload)}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode data envelope: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("publish data: %w", err)
	}
	return nil
}

// Events returns the ordered event stream.
func (c *WebsocketClient) Events() <-chan Event {
	return c.events
}

// Disconnect tears down the connection. Safe to call at any time, any
// number of times, regardless of in-flight operations.
func (c *WebsocketClient) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
			slog.Debug("Failed to close room websocket", "error", err)
		}
	} else {
		// Never connected: close the event stream so consumers unblock.
		close(c.events)
	}
	return nil
}
