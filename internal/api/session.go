package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rpatwari/voicedesk/internal/domain"
	"github.com/rpatwari/voicedesk/internal/identity"
	"github.com/rpatwari/voicedesk/internal/session"
)

// connectLocks prevents concurrent connect requests for the same user.
var connectLocks sync.Map

// SessionHandler handles onboarding session endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/connect", h.Connect)
		r.Post("/disconnect", h.Disconnect)
		r.Post("/payment", h.SelectPayment)
		r.Post("/stage/next", h.NextStage)
		r.Post("/stage/previous", h.PreviousStage)
		r.Get("/transcript", h.Transcript)
	})
	r.Post("/api/token", h.MintToken)
}

// sessionResponse is the rendered state of one onboarding session.
type sessionResponse struct {
	UserID           string                   `json:"user_id"`
	SessionID        string                   `json:"session_id"`
	State            session.ConnState        `json:"state"`
	LastError        string                   `json:"last_error,omitempty"`
	Stage            domain.Stage             `json:"stage"`
	StageIndex       int                      `json:"stage_index"`
	StageLabel       string                   `json:"stage_label"`
	PaymentSelection string                   `json:"payment_selection,omitempty"`
	AgentSpeaking    bool                     `json:"agent_speaking"`
	Participants     []string                 `json:"participants"`
	Transcript       []domain.TranscriptEntry `json:"transcript"`
	Notifications    []domain.Notification    `json:"notifications"`
}

func (h *SessionHandler) renderSession(r *http.Request, userID, sessionID string) sessionResponse {
	resp := sessionResponse{
		UserID:     userID,
		SessionID:  sessionID,
		State:      session.StateDisconnected,
		Stage:      domain.Stages[0],
		StageIndex: 0,
		StageLabel: domain.Stages[0].Label(),
	}

	stored, err := h.repo.GetSession(r.Context(), userID, sessionID)
	if err == nil && stored != nil {
		resp.PaymentSelection = stored.PaymentSelection
	}

	if conn := h.mgr.Get(userID, sessionID); conn != nil {
		snap := conn.Snapshot()
		resp.State = snap.State
		resp.LastError = snap.LastError
		resp.Stage = snap.Stage
		resp.StageIndex = snap.Stage.Index()
		resp.StageLabel = snap.Stage.Label()
		resp.AgentSpeaking = snap.AgentSpeaking
		resp.Participants = snap.Participants
		resp.Transcript = snap.Transcript
		resp.Notifications = snap.Notifications
	} else if stored != nil {
		resp.Stage = stored.Stage
		resp.StageIndex = stored.Stage.Index()
		resp.StageLabel = stored.Stage.Label()
		if entries, err := h.repo.ListTranscript(r.Context(), userID, sessionID, 0); err == nil {
			resp.Transcript = entries
		}
	}
	return resp
}

// GetSession returns the current onboarding session state.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	JSON(w, http.StatusOK, h.renderSession(r, userID, sessionID))
}

// Connect opens the voice session for the user.
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Prevent concurrent connect requests from racing each other.
	lock, _ := connectLocks.LoadOrStore(userID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Connect already in progress", "user_id", userID)
		Error(w, http.StatusConflict, "connect_in_progress")
		return
	}
	// Delete before unlocking: a request that stores a fresh mutex after the
	// delete can only acquire it once this handler is done.
	defer func() {
		connectLocks.Delete(userID)
		mutex.Unlock()
	}()

	conn := h.mgr.GetOrCreate(userID, sessionID)
	if err := conn.Connect(r.Context()); err != nil {
		slog.Error("Failed to connect voice session", "error", err, "user_id", userID)
		Error(w, http.StatusBadGateway, "failed to start voice session")
		return
	}

	JSON(w, http.StatusOK, h.renderSession(r, userID, sessionID))
}

// Disconnect tears down the voice session for the user.
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if conn := h.mgr.Get(userID, sessionID); conn != nil {
		conn.Disconnect()
	}

	JSON(w, http.StatusOK, h.renderSession(r, userID, sessionID))
}

type paymentRequest struct {
	Selection string `json:"selection"`
}

// SelectPayment records the user's payment choice and informs the agent.
func (h *SessionHandler) SelectPayment(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Selection == "" {
		Error(w, http.StatusBadRequest, "selection is required")
		return
	}

	conn := h.mgr.GetOrCreate(userID, sessionID)
	if err := conn.SelectPayment(r.Context(), req.Selection); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	JSON(w, http.StatusOK, h.renderSession(r, userID, sessionID))
}

// NextStage advances the onboarding flow one stage.
func (h *SessionHandler) NextStage(w http.ResponseWriter, r *http.Request) {
	h.moveStage(w, r, func(conn *session.Connector) domain.Stage {
		return conn.NextStage(r.Context())
	})
}

// PreviousStage moves the onboarding flow back one stage.
func (h *SessionHandler) PreviousStage(w http.ResponseWriter, r *http.Request) {
	h.moveStage(w, r, func(conn *session.Connector) domain.Stage {
		return conn.PreviousStage(r.Context())
	})
}

func (h *SessionHandler) moveStage(w http.ResponseWriter, r *http.Request, move func(*session.Connector) domain.Stage) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn := h.mgr.GetOrCreate(userID, sessionID)
	stage := move(conn)

	JSON(w, http.StatusOK, map[string]interface{}{
		"stage":       stage,
		"stage_index": stage.Index(),
		"stage_label": stage.Label(),
	})
}

// Transcript returns the persisted transcript for the session.
func (h *SessionHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	// Prefer the live in-memory transcript (it includes trailing partials).
	if conn := h.mgr.Get(userID, sessionID); conn != nil {
		entries := conn.Snapshot().Transcript
		if limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
		JSON(w, http.StatusOK, map[string]interface{}{"transcript": entries})
		return
	}

	entries, err := h.repo.ListTranscript(r.Context(), userID, sessionID, limit)
	if err != nil {
		slog.Error("Failed to list transcript", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"transcript": entries})
}

// MintToken mints a room connection token for clients that join the room
// provider directly (for example a companion mobile app).
func (h *SessionHandler) MintToken(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	roomName := "onboarding-" + userID
	tok, err := h.issuer.Issue(userID, roomName)
	if err != nil {
		slog.Error("Failed to mint room token", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to mint token")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"token":      tok,
		"room":       roomName,
		"identity":   userID,
		"expires_in": int64(h.cfg.Token.TTL.Seconds()),
		"issued_at":  time.Now().UTC().Format(time.RFC3339),
	})
}
