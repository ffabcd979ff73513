package session

import (
	"log/slog"
	"sync"
)

// Manager tracks live connectors per user and tab session. Each user tab
// gets its own connector; registering a replacement disconnects the old one.
type Manager struct {
	mu     sync.RWMutex
	active map[string]map[string]*Connector

	// newConnector builds a connector for a user/session pair.
	newConnector func(userID, sessionID string) *Connector
}

// NewManager creates a session manager with the given connector factory.
func NewManager(newConnector func(userID, sessionID string) *Connector) *Manager {
	return &Manager{
		active:       make(map[string]map[string]*Connector),
		newConnector: newConnector,
	}
}

// Get returns the live connector for a user/session, or nil.
func (m *Manager) Get(userID, sessionID string) *Connector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// GetOrCreate returns the live connector for a user/session, creating one
// if none exists.
func (m *Manager) GetOrCreate(userID, sessionID string) *Connector {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*Connector)
	}
	if existing, exists := m.active[userID][sessionID]; exists {
		return existing
	}

	conn := m.newConnector(userID, sessionID)
	m.active[userID][sessionID] = conn
	slog.Info("Onboarding session registered", "user_id", userID, "session_id", sessionID)
	return conn
}

// Remove drops a connector from tracking after disconnecting it.
func (m *Manager) Remove(userID, sessionID string) {
	m.mu.Lock()
	var conn *Connector
	if sessions, ok := m.active[userID]; ok {
		conn = sessions[sessionID]
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.active, userID)
		}
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
		slog.Info("Onboarding session removed", "user_id", userID, "session_id", sessionID)
	}
}

// CloseUser disconnects and removes all of a user's sessions. Used by the
// TTL worker when a user expires.
func (m *Manager) CloseUser(userID string) {
	m.mu.Lock()
	sessions := m.active[userID]
	delete(m.active, userID)
	m.mu.Unlock()

	for sid, conn := range sessions {
		conn.Disconnect()
		slog.Info("Onboarding session closed", "user_id", userID, "session_id", sid)
	}
}

// CloseAll disconnects every tracked connector. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]map[string]*Connector)
	m.mu.Unlock()

	for userID, sessions := range active {
		for sid, conn := range sessions {
			conn.Disconnect()
			slog.Debug("Onboarding session closed on shutdown", "user_id", userID, "session_id", sid)
		}
	}
}
