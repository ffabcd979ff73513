// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/rpatwari/voicedesk/internal/domain"
)

// Repository defines the interface for persisting onboarding session state
// and transcript history.
type Repository interface {
	// GetSession retrieves an onboarding session by user and session ID.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.OnboardingSession, error)

	// UpsertSession creates or updates an onboarding session record.
	UpsertSession(ctx context.Context, session *domain.OnboardingSession) error

	// UpdateStage records the current onboarding stage for a session.
	UpdateStage(ctx context.Context, userID, sessionID string, stage domain.Stage) error

	// UpdatePaymentSelection records the user's payment choice.
	UpdatePaymentSelection(ctx context.Context, userID, sessionID, selection string) error

	// UpdateLastSeen updates the last_seen_at timestamp for a session.
	UpdateLastSeen(ctx context.Context, userID, sessionID string, lastSeen time.Time) error

	// AppendTranscript appends a finalized transcript entry. Entries are
	// append-only and returned in insertion order.
	AppendTranscript(ctx context.Context, userID, sessionID string, entry domain.TranscriptEntry) error

	// ListTranscript returns up to limit transcript entries in insertion
	// order. limit <= 0 means no limit.
	ListTranscript(ctx context.Context, userID, sessionID string, limit int) ([]domain.TranscriptEntry, error)

	// GetExpiredSessions retrieves sessions that exceeded the inactivity TTL.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.OnboardingSession, error)

	// CleanupExpiredSessions removes sessions (and their transcripts) older
	// than TTL and reports how many sessions were deleted.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
