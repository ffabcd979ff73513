// Package room consumes the real-time media room contract: room
// connect/disconnect, audio track subscription, and reliable ordered data
// publish/receive. The session layer owns exactly one Client and is the
// only component that mutates it.
package room

import "context"

// EventType classifies events emitted by a room connection.
type EventType string

const (
	// EventData is a payload received over the room's data channel.
	EventData EventType = "data"
	// EventParticipantJoined reports a remote participant joining the room.
	EventParticipantJoined EventType = "participant_joined"
	// EventParticipantLeft reports a remote participant leaving the room.
	EventParticipantLeft EventType = "participant_left"
	// EventTrackSubscribed reports a subscribed remote audio track.
	EventTrackSubscribed EventType = "track_subscribed"
	// EventDisconnected reports that the room connection has ended.
	EventDisconnected EventType = "disconnected"
)

// Event is a single room occurrence. Events are delivered in arrival order.
type Event struct {
	Type        EventType
	Payload     []byte // set for EventData
	Participant string // set for participant and track events
	TrackID     string // set for EventTrackSubscribed
	Reason      string // set for EventDisconnected
}

// ConnectOptions configures a room connection.
type ConnectOptions struct {
	// URL is the room provider endpoint.
	URL string
	// RoomName identifies the room to join.
	RoomName string
	// Identity is the joining participant's identity.
	Identity string
	// Token is the connection credential from the token issuer.
	Token string
	// AudioOnly restricts local capture to the microphone track.
	AudioOnly bool
}

// Client is the contract this system consumes from the real-time media
// provider. Implementations must deliver events in arrival order and
// publish data reliably and ordered per sender.
type Client interface {
	// Connect opens the room connection and starts event delivery.
	Connect(ctx context.Context, opts ConnectOptions) error

	// PublishData publishes a payload on the room's data channel.
	PublishData(ctx context.Context, payload []byte) error

	// Events returns the ordered event stream. The channel is closed after
	// the final EventDisconnected.
	Events() <-chan Event

	// Disconnect tears down the connection. Idempotent.
	Disconnect() error
}
