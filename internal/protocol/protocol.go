// Package protocol defines the JSON wire format spoken over the room's
// data channel: inbound messages from the voice agent and outbound
// application commands.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType tags an inbound data-channel message.
type MessageType string

const (
	// MessageStateUpdate moves the onboarding flow to a new stage.
	MessageStateUpdate MessageType = "state_update"
	// MessageTranscriptUpdate carries a partial or final transcript line.
	MessageTranscriptUpdate MessageType = "transcript_update"
	// MessageConnectionStatus reports connected/disconnected transitions.
	MessageConnectionStatus MessageType = "connection_status"
	// MessageError carries a user-visible error from the remote peer.
	MessageError MessageType = "error"
)

var (
	// ErrEmptyPayload indicates a zero-length data-channel payload.
	ErrEmptyPayload = errors.New("protocol: empty payload")
	// ErrMissingType indicates a decoded message without a type tag.
	ErrMissingType = errors.New("protocol: missing message type")
)

// MessageData holds the nested payload fields of a transcript update.
type MessageData struct {
	IsPartial  bool   `json:"isPartial,omitempty"`
	IsSpeaking bool   `json:"isSpeaking,omitempty"`
	Role       string `json:"role,omitempty"`
}

// Message is the tagged union arriving over the data channel. All fields
// except Type are kind-dependent and optional.
type Message struct {
	Type       MessageType `json:"type"`
	Stage      string      `json:"stage,omitempty"`
	Transcript string      `json:"transcript,omitempty"`
	Status     string      `json:"status,omitempty"`
	Error      string      `json:"error,omitempty"`
	Data       MessageData `json:"data,omitempty"`
}

// Known reports whether the message type is one the router understands.
// Unknown types are ignored silently, never treated as errors.
func (m Message) Known() bool {
	switch m.Type {
	case MessageStateUpdate, MessageTranscriptUpdate, MessageConnectionStatus, MessageError:
		return true
	default:
		return false
	}
}

// DecodeMessage parses a raw data-channel payload. Callers log and drop on
// error; a decode failure must never propagate to the user.
func DecodeMessage(raw []byte) (Message, error) {
	if len(raw) == 0 {
		return Message{}, ErrEmptyPayload
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("protocol: decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

// CommandType tags an outbound application command.
type CommandType string

const (
	// CommandPaymentChoice reports the user's payment selection.
	CommandPaymentChoice CommandType = "payment_choice"
	// CommandManualStageChange informs the peer of a local stage move.
	CommandManualStageChange CommandType = "manual_stage_change"
)

// Command is an outbound application command. Commands inform the remote
// peer; they never ask it to authorize anything.
type Command struct {
	Type      CommandType `json:"type"`
	Selection string      `json:"selection,omitempty"`
	Stage     string      `json:"stage,omitempty"`
}

// PaymentChoiceCommand builds the payment selection command.
func PaymentChoiceCommand(selection string) Command {
	return Command{Type: CommandPaymentChoice, Selection: selection}
}

// ManualStageChangeCommand builds the manual stage change command.
func ManualStageChangeCommand(stage string) Command {
	return Command{Type: CommandManualStageChange, Stage: stage}
}

// EncodeCommand serializes a command for reliable, ordered publish.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode command: %w", err)
	}
	return data, nil
}
