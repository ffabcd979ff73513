//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rpatwari/voicedesk/internal/config"
	"github.com/rpatwari/voicedesk/internal/domain"
	"github.com/rpatwari/voicedesk/internal/identity"
	"github.com/rpatwari/voicedesk/internal/room"
	"github.com/rpatwari/voicedesk/internal/session"
	"github.com/rpatwari/voicedesk/internal/token"
)

const testAnonID = "anon_0123456789abcdef0123456789abcdef"

// memoryRepo is an in-memory store.Repository for handler tests.
type memoryRepo struct {
	mu          sync.Mutex
	sessions    map[string]*domain.OnboardingSession
	transcripts map[string][]domain.TranscriptEntry
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		sessions:    make(map[string]*domain.OnboardingSession),
		transcripts: make(map[string][]domain.TranscriptEntry),
	}
}

func repoKey(userID, sessionID string) string { return userID + ":" + sessionID }

func (m *memoryRepo) GetSession(ctx context.Context, userID, sessionID string) (*domain.OnboardingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[repoKey(userID, sessionID)]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (m *memoryRepo) UpsertSession(ctx context.Context, s *domain.OnboardingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[repoKey(s.UserID, s.SessionID)] = &copied
	return nil
}

func (m *memoryRepo) UpdateStage(ctx context.Context, userID, sessionID string, stage domain.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[repoKey(userID, sessionID)]; ok {
		s.Stage = stage
	}
	return nil
}

func (m *memoryRepo) UpdatePaymentSelection(ctx context.Context, userID, sessionID, selection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[repoKey(userID, sessionID)]; ok {
		s.PaymentSelection = selection
	}
	return nil
}

func (m *memoryRepo) UpdateLastSeen(ctx context.Context, userID, sessionID string, lastSeen time.Time) error {
	return nil
}

func (m *memoryRepo) AppendTranscript(ctx context.Context, userID, sessionID string, entry domain.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := repoKey(userID, sessionID)
	m.transcripts[key] = append(m.transcripts[key], entry)
	return nil
}

func (m *memoryRepo) ListTranscript(ctx context.Context, userID, sessionID string, limit int) ([]domain.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.transcripts[repoKey(userID, sessionID)]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]domain.TranscriptEntry(nil), entries...), nil
}

func (m *memoryRepo) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.OnboardingSession, error) {
	return nil, nil
}

func (m *memoryRepo) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	return 0, nil
}

func (m *memoryRepo) Ping(ctx context.Context) error { return nil }
func (m *memoryRepo) Close() error                   { return nil }

// stubRoom is a minimal room.Client whose connection always succeeds.
type stubRoom struct {
	events chan room.Event
	once   sync.Once
}

func (s *stubRoom) Connect(ctx context.Context, opts room.ConnectOptions) error { return nil }
func (s *stubRoom) PublishData(ctx context.Context, payload []byte) error       { return nil }
func (s *stubRoom) Events() <-chan room.Event                                   { return s.events }
func (s *stubRoom) Disconnect() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

func newTestRouter(t *testing.T) (chi.Router, *session.Manager) {
	t.Helper()

	cfg := &config.Config{
		Port: "8080",
		Room: config.RoomConfig{ProviderURL: "ws://rooms.test/ws"},
		Token: config.TokenConfig{
			Secret: "test-secret",
			Issuer: "voicedesk",
			TTL:    15 * time.Minute,
		},
		Stream: config.StreamConfig{
			KeepaliveInterval: 25 * time.Second,
			RetryDelay:        3 * time.Second,
			ReplayQueueSize:   16,
		},
	}

	issuer, err := token.NewIssuer(cfg.Token.Secret, cfg.Token.Issuer, cfg.Token.TTL)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}

	repo := newMemoryRepo()
	mgr := session.NewManager(func(userID, sessionID string) *session.Connector {
		return session.NewConnector(session.Config{
			UserID:      userID,
			SessionID:   sessionID,
			RoomName:    "onboarding-" + userID,
			ProviderURL: cfg.Room.ProviderURL,
		}, issuer, repo, func() room.Client {
			return &stubRoom{events: make(chan room.Event, 16)}
		}, nil)
	})
	t.Cleanup(mgr.CloseAll)

	base := NewHandler(repo, mgr, issuer, cfg)

	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, true))
	NewSessionHandler(base).RegisterRoutes(r)
	NewCatalogHandler(base).RegisterRoutes(r)
	NewHealthHandler(repo).RegisterHealth(r)
	return r, mgr
}

func doRequest(t *testing.T, r chi.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.AddCookie(&http.Cookie{Name: identity.AnonCookieName, Value: testAnonID})
	req.Header.Set(identity.SessionHeaderName, "tab-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestErrorHelper(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusBadRequest, "bad input")

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["error"] != "bad input" {
		t.Errorf("Expected error message, got %v", got["error"])
	}
}

func TestGetSessionDefaults(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(t, r, http.MethodGet, "/api/session", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var got sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.State != session.StateDisconnected {
		t.Errorf("Expected disconnected state, got %s", got.State)
	}
	if got.Stage != domain.StageGreeting {
		t.Errorf("Expected greeting stage, got %s", got.Stage)
	}
	if got.StageIndex != 0 {
		t.Errorf("Expected stage index 0, got %d", got.StageIndex)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(t, r, http.MethodPost, "/api/session/connect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var got sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.State != session.StateConnected {
		t.Errorf("Expected connected state, got %s", got.State)
	}

	w = doRequest(t, r, http.MethodPost, "/api/session/disconnect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.State != session.StateDisconnected {
		t.Errorf("Expected disconnected state, got %s", got.State)
	}
}

func TestConnectConflictWhileInProgress(t *testing.T) {
	r, _ := newTestRouter(t)

	// Hold the user's connect lock as an in-flight request would.
	lock, _ := connectLocks.LoadOrStore(testAnonID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()

	w := doRequest(t, r, http.MethodPost, "/api/session/connect", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status 409 while a connect holds the lock, got %d", w.Code)
	}

	mu.Unlock()
	connectLocks.Delete(testAnonID)

	w = doRequest(t, r, http.MethodPost, "/api/session/connect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 after the lock is released, got %d", w.Code)
	}
	// The handler drops its lock entry before unlocking, so nothing lingers.
	if _, ok := connectLocks.Load(testAnonID); ok {
		t.Error("Expected connect lock entry to be removed after the request")
	}
}

func TestStageEndpointsClamp(t *testing.T) {
	r, _ := newTestRouter(t)

	var got map[string]interface{}
	for i := 0; i < 6; i++ {
		w := doRequest(t, r, http.MethodPost, "/api/session/stage/next", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		got = nil
		if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	if got["stage"] != string(domain.StageDocumentVerification) {
		t.Errorf("Expected last stage after overshoot, got %v", got["stage"])
	}

	for i := 0; i < 6; i++ {
		w := doRequest(t, r, http.MethodPost, "/api/session/stage/previous", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		got = nil
		if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	if got["stage"] != string(domain.StageGreeting) {
		t.Errorf("Expected first stage after undershoot, got %v", got["stage"])
	}
}

func TestSelectPaymentValidation(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(t, r, http.MethodPost, "/api/session/payment", `{"selection":"barter"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown option, got %d", w.Code)
	}

	w = doRequest(t, r, http.MethodPost, "/api/session/payment", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing selection, got %d", w.Code)
	}

	w = doRequest(t, r, http.MethodPost, "/api/session/payment", `{"selection":"nbfc_loan"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var got sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(got.Transcript) != 1 {
		t.Fatalf("Expected one transcript entry, got %d", len(got.Transcript))
	}
	if !strings.Contains(got.Transcript[0].Text, "nbfc loan") {
		t.Errorf("Expected entry to mention the option label, got %q", got.Transcript[0].Text)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(t, r, http.MethodGet, "/api/catalog/payments", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var payments struct {
		Payments []domain.PaymentOption `json:"payments"`
	}
	if err := json.NewDecoder(w.Body).Decode(&payments); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(payments.Payments) != 4 {
		t.Errorf("Expected 4 payment options, got %d", len(payments.Payments))
	}

	w = doRequest(t, r, http.MethodGet, "/api/catalog/stages", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var stages struct {
		Stages []struct {
			ID    string `json:"id"`
			Label string `json:"label"`
		} `json:"stages"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stages); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(stages.Stages) != 4 {
		t.Fatalf("Expected 4 stages, got %d", len(stages.Stages))
	}
	if stages.Stages[1].Label != "payment selection" {
		t.Errorf("Expected humanized stage label, got %q", stages.Stages[1].Label)
	}
}

func TestMintToken(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(t, r, http.MethodPost, "/api/token", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["token"] == "" || got["token"] == nil {
		t.Error("Expected a token in the response")
	}
	if got["room"] != "onboarding-"+testAnonID {
		t.Errorf("Unexpected room name: %v", got["room"])
	}
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(t, r, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", got["status"])
	}
}
