package session

import "github.com/rpatwari/voicedesk/internal/domain"

// ConnState is the connection lifecycle state of a Connector.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// EventKind classifies UI events fanned out to subscribers.
type EventKind string

const (
	// EventConnection reports a connection state change.
	EventConnection EventKind = "connection"
	// EventStage reports the current onboarding stage.
	EventStage EventKind = "stage"
	// EventTranscript reports an appended or coalesced transcript entry.
	EventTranscript EventKind = "transcript"
	// EventNotification reports a transient user-visible notification.
	EventNotification EventKind = "notification"
	// EventSpeaking reports the agent speaking flag.
	EventSpeaking EventKind = "speaking"
)

// Event is a typed UI event. Events are emitted in the order the underlying
// mutations happen; subscribers observe that same order.
type Event struct {
	Kind         EventKind               `json:"kind"`
	State        ConnState               `json:"state,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Stage        domain.Stage            `json:"stage,omitempty"`
	Entry        *domain.TranscriptEntry `json:"entry,omitempty"`
	Notification *domain.Notification    `json:"notification,omitempty"`
	Speaking     *bool                   `json:"speaking,omitempty"`
}

// Snapshot is a point-in-time copy of connector state for rendering.
type Snapshot struct {
	State         ConnState                `json:"state"`
	LastError     string                   `json:"last_error,omitempty"`
	Stage         domain.Stage             `json:"stage"`
	AgentSpeaking bool                     `json:"agent_speaking"`
	Participants  []string                 `json:"participants"`
	AudioTracks   []string                 `json:"audio_tracks"`
	Transcript    []domain.TranscriptEntry `json:"transcript"`
	Notifications []domain.Notification    `json:"notifications"`
}
