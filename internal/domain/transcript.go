package domain

import "time"

// Speaker identifies the origin of a transcript entry.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerAgent  Speaker = "agent"
	SpeakerSystem Speaker = "system"
)

// TranscriptEntry is a single line of the conversation transcript.
// Partial entries are interim speech-to-text output: a later partial from
// the same speaker replaces them, a non-partial finalizes them.
type TranscriptEntry struct {
	ID        string    `json:"id"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Partial   bool      `json:"partial,omitempty"`
}

// NotificationKind categorizes transient user-visible notifications.
type NotificationKind string

const (
	NotificationInfo  NotificationKind = "info"
	NotificationError NotificationKind = "error"
)

// Notification is a transient user-visible message. Notifications are never
// fatal; they are the terminal form of every surfaced failure.
type Notification struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	Text      string           `json:"text"`
	CreatedAt time.Time        `json:"created_at"`
}
