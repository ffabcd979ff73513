package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatwari/voicedesk/internal/domain"
	"github.com/rpatwari/voicedesk/internal/protocol"
	"github.com/rpatwari/voicedesk/internal/room"
)

// fakeRoom implements room.Client for connector tests.
type fakeRoom struct {
	mu          sync.Mutex
	events      chan room.Event
	published   [][]byte
	connectErr  error
	publishErr  error
	connects    int
	disconnects int
	closeOnce   sync.Once
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{events: make(chan room.Event, 16)}
}

func (f *fakeRoom) Connect(ctx context.Context, opts room.ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeRoom) PublishData(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeRoom) Events() <-chan room.Event {
	return f.events
}

func (f *fakeRoom) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeRoom) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeRoom) publishedCommands(t *testing.T) []protocol.Command {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := make([]protocol.Command, 0, len(f.published))
	for _, raw := range f.published {
		var cmd protocol.Command
		require.NoError(t, json.Unmarshal(raw, &cmd))
		cmds = append(cmds, cmd)
	}
	return cmds
}

// deliver pushes a data-channel payload as the remote peer would.
func (f *fakeRoom) deliver(raw string) {
	f.events <- room.Event{Type: room.EventData, Payload: []byte(raw)}
}

type staticIssuer struct {
	err error
}

func (s staticIssuer) Issue(identity, roomName string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "token-" + identity + "-" + roomName, nil
}

func newTestConnector(t *testing.T, fr *fakeRoom, issuer TokenIssuer) *Connector {
	t.Helper()
	cfg := Config{
		UserID:      "user-1",
		SessionID:   "tab-1",
		RoomName:    "onboarding-user-1",
		ProviderURL: "ws://rooms.test/ws",
	}
	c := NewConnector(cfg, issuer, nil, func() room.Client { return fr }, nil)
	t.Cleanup(c.Disconnect)
	return c
}

func connect(t *testing.T, c *Connector) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StateConnected, c.State())
}

// waitTranscript polls until the connector transcript satisfies cond.
func waitTranscript(t *testing.T, c *Connector, cond func([]domain.TranscriptEntry) bool) []domain.TranscriptEntry {
	t.Helper()
	var last []domain.TranscriptEntry
	require.Eventually(t, func() bool {
		last = c.Snapshot().Transcript
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond, "transcript never reached expected state: %+v", last)
	return last
}

func TestConnectLifecycle(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})

	require.Equal(t, StateDisconnected, c.State())
	connect(t, c)
	assert.Empty(t, c.LastError())

	// Connect is idempotent while connected.
	require.NoError(t, c.Connect(context.Background()))
	fr.mu.Lock()
	connects := fr.connects
	fr.mu.Unlock()
	assert.Equal(t, 1, connects, "second Connect must be a no-op")
}

func TestConnectFailureIsSoft(t *testing.T) {
	fr := newFakeRoom()
	fr.connectErr = errors.New("provider unreachable")
	c := newTestConnector(t, fr, staticIssuer{})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Contains(t, c.LastError(), "provider unreachable")

	// No auto-retry happened.
	fr.mu.Lock()
	defer fr.mu.Unlock()
	assert.Equal(t, 1, fr.connects)
}

func TestConnectTokenFailureIsSoft(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{err: errors.New("issuer down")})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Contains(t, c.LastError(), "issuer down")
}

func TestDisconnectClearsState(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})
	connect(t, c)

	fr.events <- room.Event{Type: room.EventParticipantJoined, Participant: "voice-agent"}
	fr.events <- room.Event{Type: room.EventTrackSubscribed, Participant: "voice-agent", TrackID: "audio-1"}
	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return len(snap.Participants) == 1 && len(snap.AudioTracks) == 1
	}, 2*time.Second, 5*time.Millisecond)

	c.Disconnect()

	snap := c.Snapshot()
	assert.Equal(t, StateDisconnected, snap.State)
	assert.Empty(t, snap.Participants)
	assert.Empty(t, snap.AudioTracks)
	assert.False(t, snap.AgentSpeaking)

	// Disconnecting again is a no-op.
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestPartialTranscriptCoalescing(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})
	connect(t, c)

	fr.deliver(`{"type":"transcript_update","transcript":"hel","data":{"isPartial":true}}`)
	fr.deliver(`{"type":"transcript_update","transcript":"hello th","data":{"isPartial":true}}`)
	fr.deliver(`{"type":"transcript_update","transcript":"hello there","data":{"isPartial":false}}`)

	entries := waitTranscript(t, c, func(entries []domain.TranscriptEntry) bool {
		return len(entries) == 1 && !entries[0].Partial
	})
	assert.Equal(t, "hello there", entries[0].Text)
	assert.Equal(t, domain.SpeakerAgent, entries[0].Speaker)
}

func TestPartialCoalescingPerSpeakerStream(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})
	connect(t, c)

	// Interleaved speakers keep independent partial streams.
	fr.deliver(`{"type":"transcript_update","transcript":"agent partial","data":{"isPartial":true}}`)
	fr.deliver(`{"type":"transcript_update","transcript":"user says","data":{"isPartial":true,"role":"user"}}`)
	fr.deliver(`{"type":"transcript_update","transcript":"agent final","data":{"isPartial":false}}`)
	fr.deliver(`{"type":"transcript_update","transcript":"user says hi","data":{"isPartial":false,"role":"user"}}`)

	entries := waitTranscript(t, c, func(entries []domain.TranscriptEntry) bool {
		if len(entries) != 2 {
			return false
		}
		return !entries[0].Partial && !entries[1].Partial
	})
	assert.Equal(t, "agent final", entries[0].Text)
	assert.Equal(t, domain.SpeakerAgent, entries[0].Speaker)
	assert.Equal(t, "user says hi", entries[1].Text)
	assert.Equal(t, domain.SpeakerUser, entries[1].Speaker)
}

func TestStateUpdateAppendsSystemEntry(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})
	connect(t, c)

	require.Equal(t, domain.StageGreeting, c.Stage())

	fr.deliver(`{"type":"state_update","stage":"payment_selection"}`)

	entries := waitTranscript(t, c, func(entries []domain.TranscriptEntry) bool {
		return len(entries) == 1
	})
	assert.Equal(t, domain.StagePaymentSelection, c.Stage())
	assert.Equal(t, domain.SpeakerSystem, entries[0].Speaker)
	assert.Contains(t, entries[0].Text, "payment selection")
}

func TestStageNavigationBounds(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})
	connect(t, c)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		c.NextStage(ctx)
	}
	assert.Equal(t, domain.StageDocumentVerification, c.Stage())

	for i := 0; i < 10; i++ {
		c.PreviousStage(ctx)
	}
	assert.Equal(t, domain.StageGreeting, c.Stage())

	// Only the six successful moves published a command.
	cmds := fr.publishedCommands(t)
	require.Len(t, cmds, 6)
	for _, cmd := range cmds {
		assert.Equal(t, protocol.CommandManualStageChange, cmd.Type)
	}
	assert.Equal(t, string(domain.StageDocumentVerification), cmds[2].Stage)
	assert.Equal(t, string(domain.StageGreeting), cmds[5].Stage)
}

func TestSelectPaymentPublishesAndAppends(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})
	connect(t, c)

	require.NoError(t, c.SelectPayment(context.Background(), "nbfc_loan"))

	cmds := fr.publishedCommands(t)
	require.Len(t, cmds, 1)
	assert.Equal(t, protocol.CommandPaymentChoice, cmds[0].Type)
	assert.Equal(t, "nbfc_loan", cmds[0].Selection)

	entries := c.Snapshot().Transcript
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SpeakerUser, entries[0].Speaker)
	assert.Contains(t, entries[0].Text, "nbfc loan")
}

func TestSelectPaymentRejectsUnknownOption(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})
	connect(t, c)

	require.Error(t, c.SelectPayment(context.Background(), "barter"))
	assert.Empty(t, fr.publishedCommands(t))
}

func TestSendCommandWhileDisconnected(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})

	err := c.SendCommand(context.Background(), protocol.PaymentChoiceCommand("nbfc_loan"))
	require.NoError(t, err, "sending while disconnected must not fail the caller")
	assert.Empty(t, fr.publishedCommands(t), "no publish attempt while disconnected")
}

func TestPaymentSideEffectsSurviveDisconnected(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})

	// Local transcript and notification happen regardless of publish.
	require.NoError(t, c.SelectPayment(context.Background(), "upi"))

	snap := c.Snapshot()
	require.Len(t, snap.Transcript, 1)
	assert.Contains(t, snap.Transcript[0].Text, "upi")
	assert.Empty(t, fr.publishedCommands(t))
}

func TestMalformedInboundDroppedSilently(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})
	connect(t, c)

	before := len(c.Snapshot().Notifications)

	fr.deliver(`{not json`)
	fr.deliver(`{"stage":"greeting"}`)
	fr.deliver(`{"type":"wobble","transcript":"x"}`)
	// A valid message after the garbage still gets through, in order.
	fr.deliver(`{"type":"transcript_update","transcript":"still here"}`)

	entries := waitTranscript(t, c, func(entries []domain.TranscriptEntry) bool {
		return len(entries) == 1
	})
	assert.Equal(t, "still here", entries[0].Text)
	// Malformed payloads never become user-visible notifications.
	assert.Equal(t, before, len(c.Snapshot().Notifications))
}

func TestAgentSpeakingFlag(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})
	connect(t, c)

	fr.deliver(`{"type":"transcript_update","transcript":"hi","data":{"isPartial":true,"isSpeaking":true}}`)
	require.Eventually(t, func() bool {
		return c.Snapshot().AgentSpeaking
	}, 2*time.Second, 5*time.Millisecond)

	fr.deliver(`{"type":"transcript_update","transcript":"hi there","data":{"isSpeaking":false}}`)
	require.Eventually(t, func() bool {
		return !c.Snapshot().AgentSpeaking
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInboundErrorAndStatusNotifications(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})
	connect(t, c)

	before := len(c.Snapshot().Notifications)

	fr.deliver(`{"type":"connection_status","status":"connected"}`)
	fr.deliver(`{"type":"error","error":"stt provider timeout"}`)

	require.Eventually(t, func() bool {
		return len(c.Snapshot().Notifications) == before+2
	}, 2*time.Second, 5*time.Millisecond)

	notes := c.Snapshot().Notifications
	assert.Equal(t, domain.NotificationInfo, notes[len(notes)-2].Kind)
	assert.Equal(t, domain.NotificationError, notes[len(notes)-1].Kind)
	assert.Contains(t, notes[len(notes)-1].Text, "stt provider timeout")
}

func TestRemoteDisconnectEvent(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})
	connect(t, c)

	fr.events <- room.Event{Type: room.EventDisconnected, Reason: "room closed"}

	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRemoteDisconnectReleasesRoomClient(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})
	connect(t, c)

	fr.events <- room.Event{Type: room.EventDisconnected, Reason: "room closed"}

	require.Eventually(t, func() bool {
		return fr.disconnectCount() >= 1
	}, 2*time.Second, 5*time.Millisecond, "room client must be released after remote disconnect")

	// A later local Disconnect stays a no-op; the client is already gone.
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, fr.disconnectCount())
}

func TestPublishFailureSurfacesNotification(t *testing.T) {
	fr := newFakeRoom()
	fr.publishErr = errors.New("data channel closed")
	c := newTestConnector(t, fr, staticIssuer{})
	connect(t, c)

	before := len(c.Snapshot().Notifications)

	// The publish error never fails the selection itself.
	require.NoError(t, c.SelectPayment(context.Background(), "nbfc_loan"))

	snap := c.Snapshot()
	require.Len(t, snap.Transcript, 1, "local transcript entry survives the failed publish")
	assert.Contains(t, snap.Transcript[0].Text, "nbfc loan")
	assert.Contains(t, c.LastError(), "data channel closed")
	assert.Empty(t, fr.publishedCommands(t))

	// One info notification for the selection, one error for the publish.
	notes := snap.Notifications
	require.Len(t, notes, before+2)
	assert.Equal(t, domain.NotificationInfo, notes[len(notes)-2].Kind)
	assert.Equal(t, domain.NotificationError, notes[len(notes)-1].Kind)

	// A direct send while connected does surface the wrapped error.
	err := c.SendCommand(context.Background(), protocol.PaymentChoiceCommand("upi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data channel closed")
}

func TestSubscribeReceivesOrderedEvents(t *testing.T) {
	fr := newFakeRoom()
	c := newTestConnector(t, fr, staticIssuer{})

	events, cancel := c.Subscribe()
	defer cancel()

	connect(t, c)

	// First two events are the connection transitions, in order.
	first := <-events
	require.Equal(t, EventConnection, first.Kind)
	require.Equal(t, StateConnecting, first.State)

	second := <-events
	require.Equal(t, EventConnection, second.Kind)
	require.Equal(t, StateConnected, second.State)
}
