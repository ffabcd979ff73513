// Package session implements the real-time onboarding session core: it owns
// the room connection lifecycle, routes inbound data-channel messages into
// application state, and publishes outbound application commands.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rpatwari/voicedesk/internal/domain"
	"github.com/rpatwari/voicedesk/internal/protocol"
	"github.com/rpatwari/voicedesk/internal/room"
	"github.com/rpatwari/voicedesk/internal/store"
)

// maxNotifications bounds the retained notification history.
const maxNotifications = 50

// persistTimeout bounds store writes triggered by inbound room events.
const persistTimeout = 5 * time.Second

// TokenIssuer supplies a room connection credential for an identity.
// Satisfied by token.Issuer.
type TokenIssuer interface {
	Issue(identity, room string) (string, error)
}

// Config describes one onboarding session connection.
type Config struct {
	UserID    string
	SessionID string
	RoomName  string
	// ProviderURL is the room provider endpoint for the websocket client.
	ProviderURL string
}

// Connector owns the lifecycle of a single room connection and all session
// state derived from it. The room client is mutated only through Connector
// methods; no other component touches it.
type Connector struct {
	cfg      Config
	issuer   TokenIssuer
	repo     store.Repository
	newRoom  func() room.Client
	translog *TranscriptLog

	mu            sync.Mutex
	state         ConnState
	lastError     string
	client        room.Client
	stage         domain.Stage
	transcript    []domain.TranscriptEntry
	notifications []domain.Notification
	agentSpeaking bool
	participants  []string
	audioTracks   []string
	subscribers   map[int64]chan Event
	nextSubID     int64
	loopDone      chan struct{}
}

// NewConnector creates a disconnected connector at the first onboarding stage.
// translog may be nil to disable transcript file logging.
func NewConnector(cfg Config, issuer TokenIssuer, repo store.Repository, newRoom func() room.Client, translog *TranscriptLog) *Connector {
	return &Connector{
		cfg:         cfg,
		issuer:      issuer,
		repo:        repo,
		newRoom:     newRoom,
		translog:    translog,
		state:       StateDisconnected,
		stage:       domain.Stages[0],
		subscribers: make(map[int64]chan Event),
	}
}

// State returns the current connection state.
func (c *Connector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error string from the most recent failed connection
// attempt or publish, empty when none.
func (c *Connector) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Stage returns the current onboarding stage.
func (c *Connector) Stage() domain.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// Snapshot returns a copy of the full session state for rendering.
func (c *Connector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:         c.state,
		LastError:     c.lastError,
		Stage:         c.stage,
		AgentSpeaking: c.agentSpeaking,
		Participants:  append([]string(nil), c.participants...),
		AudioTracks:   append([]string(nil), c.audioTracks...),
		Transcript:    append([]domain.TranscriptEntry(nil), c.transcript...),
		Notifications: append([]domain.Notification(nil), c.notifications...),
	}
	return snap
}

// Subscribe registers a UI event subscriber. The returned cancel function
// must be called when the subscriber goes away.
func (c *Connector) Subscribe() (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSubID++
	id := c.nextSubID
	ch := make(chan Event, 64)
	c.subscribers[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// emitLocked delivers an event to all subscribers. Caller holds c.mu, which
// is what preserves the ordering guarantee across subscribers. A subscriber
// that falls behind loses events rather than stalling the session.
func (c *Connector) emitLocked(ev Event) {
	for id, sub := range c.subscribers {
		select {
		case sub <- ev:
		default:
			slog.Warn("Dropping UI event for slow subscriber",
				"user_id", c.cfg.UserID, "session_id", c.cfg.SessionID, "subscriber", id, "kind", ev.Kind)
		}
	}
}

// Connect opens the room connection. Idempotent: a no-op when already
// connecting or connected. On failure it records a visible error, returns
// the state to disconnected, and does not retry.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.lastError = ""
	c.emitLocked(Event{Kind: EventConnection, State: StateConnecting})
	c.mu.Unlock()

	tok, err := c.issuer.Issue(c.cfg.UserID, c.cfg.RoomName)
	if err != nil {
		c.failConnect(fmt.Errorf("request connection token: %w", err))
		return err
	}

	client := c.newRoom()
	err = client.Connect(ctx, room.ConnectOptions{
		URL:       c.cfg.ProviderURL,
		RoomName:  c.cfg.RoomName,
		Identity:  c.cfg.UserID,
		Token:     tok,
		AudioOnly: true, // onboarding sessions capture microphone only
	})
	if err != nil {
		c.failConnect(fmt.Errorf("connect to room: %w", err))
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnected while the dial was in flight; tear the room back down.
		c.mu.Unlock()
		_ = client.Disconnect()
		return nil
	}
	c.client = client
	c.state = StateConnected
	c.loopDone = make(chan struct{})
	c.emitLocked(Event{Kind: EventConnection, State: StateConnected})
	c.notifyLocked(domain.NotificationInfo, "Voice session connected")
	done := c.loopDone
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.routeLoop(client.Events())
	}()

	c.persistSession()

	slog.Info("Session connected",
		"user_id", c.cfg.UserID, "session_id", c.cfg.SessionID, "room", c.cfg.RoomName)
	return nil
}

// failConnect records a soft connection failure: visible error string,
// state back to disconnected, no retry.
func (c *Connector) failConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateDisconnected
	c.lastError = err.Error()
	c.emitLocked(Event{Kind: EventConnection, State: StateDisconnected, Error: c.lastError})
	c.notifyLocked(domain.NotificationError, "Could not start voice session: "+err.Error())

	slog.Error("Session connect failed",
		"user_id", c.cfg.UserID, "session_id", c.cfg.SessionID, "error", err)
}

// Disconnect tears down the room connection regardless of in-flight
// operations, clears participant and audio-track lists, and emits a
// synthetic disconnected status. Idempotent.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected && c.client == nil {
		c.mu.Unlock()
		return
	}
	client := c.client
	done := c.loopDone
	c.client = nil
	c.loopDone = nil
	c.state = StateDisconnected
	c.participants = nil
	c.audioTracks = nil
	c.agentSpeaking = false
	c.emitLocked(Event{Kind: EventConnection, State: StateDisconnected})
	c.notifyLocked(domain.NotificationInfo, "Voice session disconnected")
	c.mu.Unlock()

	if client != nil {
		if err := client.Disconnect(); err != nil {
			slog.Debug("Room disconnect error", "user_id", c.cfg.UserID, "error", err)
		}
	}
	if done != nil {
		<-done
	}

	slog.Info("Session disconnected", "user_id", c.cfg.UserID, "session_id", c.cfg.SessionID)
}

// routeLoop consumes room events in arrival order. All session mutation
// driven by the remote peer happens here, one event at a time.
func (c *Connector) routeLoop(events <-chan room.Event) {
	for ev := range events {
		switch ev.Type {
		case room.EventData:
			c.routeMessage(ev.Payload)
		case room.EventParticipantJoined:
			c.mu.Lock()
			c.participants = append(c.participants, ev.Participant)
			c.mu.Unlock()
		case room.EventParticipantLeft:
			c.mu.Lock()
			c.participants = removeString(c.participants, ev.Participant)
			c.mu.Unlock()
		case room.EventTrackSubscribed:
			c.mu.Lock()
			c.audioTracks = append(c.audioTracks, ev.TrackID)
			c.mu.Unlock()
		case room.EventDisconnected:
			c.handleRemoteDisconnect(ev.Reason)
			return
		}
	}
}

// handleRemoteDisconnect reacts to the room ending from the far side.
func (c *Connector) handleRemoteDisconnect(reason string) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	client := c.client
	c.state = StateDisconnected
	c.client = nil
	c.participants = nil
	c.audioTracks = nil
	c.agentSpeaking = false
	c.emitLocked(Event{Kind: EventConnection, State: StateDisconnected})
	c.notifyLocked(domain.NotificationInfo, "Voice session disconnected")
	c.mu.Unlock()

	// Release the local transport here; once c.client is nil a later
	// Disconnect can no longer reach it.
	if client != nil {
		if err := client.Disconnect(); err != nil {
			slog.Debug("Room disconnect error", "user_id", c.cfg.UserID, "error", err)
		}
	}

	slog.Info("Room connection ended",
		"user_id", c.cfg.UserID, "session_id", c.cfg.SessionID, "reason", reason)
}

// routeMessage decodes and dispatches one inbound data-channel payload.
// Malformed payloads are logged and dropped; unrecognized kinds are ignored.
func (c *Connector) routeMessage(raw []byte) {
	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		slog.Warn("Dropping malformed data message",
			"user_id", c.cfg.UserID, "session_id", c.cfg.SessionID, "error", err)
		return
	}

	switch msg.Type {
	case protocol.MessageStateUpdate:
		stage, ok := domain.ParseStage(msg.Stage)
		if !ok {
			slog.Warn("Dropping state update with unknown stage",
				"user_id", c.cfg.UserID, "stage", msg.Stage)
			return
		}
		c.applyStage(stage)

	case protocol.MessageTranscriptUpdate:
		speaker := domain.SpeakerAgent
		if msg.Data.Role == string(domain.SpeakerUser) {
			speaker = domain.SpeakerUser
		}
		c.applyTranscript(speaker, msg.Transcript, msg.Data.IsPartial)
		c.setAgentSpeaking(msg.Data.IsSpeaking)

	case protocol.MessageConnectionStatus:
		status := msg.Status
		if status == "" {
			status = "status update"
		}
		c.mu.Lock()
		c.notifyLocked(domain.NotificationInfo, "Agent connection: "+status)
		c.mu.Unlock()

	case protocol.MessageError:
		c.mu.Lock()
		c.notifyLocked(domain.NotificationError, msg.Error)
		c.mu.Unlock()

	default:
		// Unrecognized kinds fall through to a no-op, never an error.
	}
}

// applyStage moves to a remote-announced stage and appends the synthetic
// system transcript entry describing the transition.
func (c *Connector) applyStage(stage domain.Stage) {
	c.mu.Lock()
	if c.stage == stage {
		c.mu.Unlock()
		return
	}
	c.stage = stage
	c.emitLocked(Event{Kind: EventStage, Stage: stage})
	entry := c.appendEntryLocked(domain.SpeakerSystem, "Stage changed to "+stage.Label(), false)
	c.mu.Unlock()

	c.persistStage(stage)
	c.persistEntry(entry)
}

// applyTranscript appends or coalesces one transcript line.
//
// Invariant: at most one trailing partial entry per speaker stream. A new
// partial from the same speaker replaces the prior one; a non-partial
// finalizes it.
func (c *Connector) applyTranscript(speaker domain.Speaker, text string, partial bool) {
	c.mu.Lock()
	var entry domain.TranscriptEntry
	if i := c.trailingPartialLocked(speaker); i >= 0 {
		c.transcript[i].Text = text
		c.transcript[i].Partial = partial
		c.transcript[i].Timestamp = time.Now()
		entry = c.transcript[i]
		c.emitLocked(Event{Kind: EventTranscript, Entry: &entry})
	} else {
		entry = c.appendEntryLocked(speaker, text, partial)
	}
	c.mu.Unlock()

	if !partial {
		c.persistEntry(entry)
	}
}

// trailingPartialLocked returns the index of the speaker's most recent
// entry if it is partial, -1 otherwise.
func (c *Connector) trailingPartialLocked(speaker domain.Speaker) int {
	for i := len(c.transcript) - 1; i >= 0; i-- {
		if c.transcript[i].Speaker != speaker {
			continue
		}
		if c.transcript[i].Partial {
			return i
		}
		return -1
	}
	return -1
}

// appendEntryLocked appends a transcript entry and emits it. Caller holds c.mu.
func (c *Connector) appendEntryLocked(speaker domain.Speaker, text string, partial bool) domain.TranscriptEntry {
	entry := domain.TranscriptEntry{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now(),
		Partial:   partial,
	}
	c.transcript = append(c.transcript, entry)
	c.emitLocked(Event{Kind: EventTranscript, Entry: &entry})
	return entry
}

func (c *Connector) setAgentSpeaking(speaking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.agentSpeaking == speaking {
		return
	}
	c.agentSpeaking = speaking
	c.emitLocked(Event{Kind: EventSpeaking, Speaking: &speaking})
}

// notifyLocked appends a transient notification. Caller holds c.mu.
func (c *Connector) notifyLocked(kind domain.NotificationKind, text string) {
	n := domain.Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Text:      text,
		CreatedAt: time.Now(),
	}
	c.notifications = append(c.notifications, n)
	if len(c.notifications) > maxNotifications {
		c.notifications = c.notifications[len(c.notifications)-maxNotifications:]
	}
	c.emitLocked(Event{Kind: EventNotification, Notification: &n})
}

// SendCommand serializes and publishes an application command on the data
// channel. When not connected this is a no-op that logs a warning; the
// caller never sees an error for it.
func (c *Connector) SendCommand(ctx context.Context, cmd protocol.Command) error {
	c.mu.Lock()
	client := c.client
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || client == nil {
		slog.Warn("Dropping command while disconnected",
			"user_id", c.cfg.UserID, "session_id", c.cfg.SessionID, "command", cmd.Type)
		return nil
	}

	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	if err := client.PublishData(ctx, data); err != nil {
		c.mu.Lock()
		c.lastError = err.Error()
		c.notifyLocked(domain.NotificationError, "Failed to send command to agent")
		c.mu.Unlock()
		slog.Error("Command publish failed",
			"user_id", c.cfg.UserID, "session_id", c.cfg.SessionID, "command", cmd.Type, "error", err)
		return fmt.Errorf("publish %s command: %w", cmd.Type, err)
	}
	return nil
}

// SelectPayment records the user's payment choice. The local transcript
// entry, notification, and persistence happen regardless of whether the
// publish to the remote peer succeeds.
func (c *Connector) SelectPayment(ctx context.Context, selection string) error {
	if !domain.ValidPaymentSelection(selection) {
		return fmt.Errorf("unknown payment option %q", selection)
	}

	label := domain.PaymentLabel(selection)
	c.mu.Lock()
	entry := c.appendEntryLocked(domain.SpeakerUser, "I would like to proceed with "+label, false)
	c.notifyLocked(domain.NotificationInfo, "Payment option selected: "+label)
	c.mu.Unlock()

	c.persistEntry(entry)
	c.persistPayment(selection)

	// Publish outcome does not roll back the local selection.
	_ = c.SendCommand(ctx, protocol.PaymentChoiceCommand(selection))
	return nil
}

// NextStage advances the onboarding flow one stage. No-op at the last
// stage. The move is local-first: the remote peer is informed, not asked.
func (c *Connector) NextStage(ctx context.Context) domain.Stage {
	return c.moveStage(ctx, func(s domain.Stage) (domain.Stage, bool) { return s.Next() })
}

// PreviousStage moves the onboarding flow back one stage. No-op at the
// first stage.
func (c *Connector) PreviousStage(ctx context.Context) domain.Stage {
	return c.moveStage(ctx, func(s domain.Stage) (domain.Stage, bool) { return s.Previous() })
}

func (c *Connector) moveStage(ctx context.Context, step func(domain.Stage) (domain.Stage, bool)) domain.Stage {
	c.mu.Lock()
	next, ok := step(c.stage)
	if !ok {
		current := c.stage
		c.mu.Unlock()
		return current
	}
	c.stage = next
	c.emitLocked(Event{Kind: EventStage, Stage: next})
	entry := c.appendEntryLocked(domain.SpeakerSystem, "Stage changed to "+next.Label(), false)
	c.notifyLocked(domain.NotificationInfo, "Moved to "+next.Label())
	c.mu.Unlock()

	c.persistStage(next)
	c.persistEntry(entry)

	_ = c.SendCommand(ctx, protocol.ManualStageChangeCommand(string(next)))
	return next
}

// persistSession upserts the session record after a successful connect.
func (c *Connector) persistSession() {
	if c.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	now := time.Now()
	c.mu.Lock()
	stage := c.stage
	c.mu.Unlock()

	err := c.repo.UpsertSession(ctx, &domain.OnboardingSession{
		UserID:     c.cfg.UserID,
		SessionID:  c.cfg.SessionID,
		RoomName:   c.cfg.RoomName,
		Stage:      stage,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		slog.Warn("Failed to persist session", "user_id", c.cfg.UserID, "error", err)
	}
}

func (c *Connector) persistStage(stage domain.Stage) {
	if c.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.repo.UpdateStage(ctx, c.cfg.UserID, c.cfg.SessionID, stage); err != nil {
		slog.Warn("Failed to persist stage", "user_id", c.cfg.UserID, "error", err)
	}
}

func (c *Connector) persistPayment(selection string) {
	if c.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.repo.UpdatePaymentSelection(ctx, c.cfg.UserID, c.cfg.SessionID, selection); err != nil {
		slog.Warn("Failed to persist payment selection", "user_id", c.cfg.UserID, "error", err)
	}
}

// persistEntry writes a finalized transcript entry to the store and the
// transcript log. Partials never reach either.
func (c *Connector) persistEntry(entry domain.TranscriptEntry) {
	if entry.Partial {
		return
	}
	if c.translog != nil {
		c.translog.Log(TranscriptLogEvent{
			Timestamp: entry.Timestamp.UTC().Format(time.RFC3339Nano),
			UserID:    c.cfg.UserID,
			SessionID: c.cfg.SessionID,
			Speaker:   string(entry.Speaker),
			Text:      entry.Text,
		})
	}
	if c.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.repo.AppendTranscript(ctx, c.cfg.UserID, c.cfg.SessionID, entry); err != nil {
		slog.Warn("Failed to persist transcript entry", "user_id", c.cfg.UserID, "error", err)
	}
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
