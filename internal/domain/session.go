package domain

import "time"

// OnboardingSession is the persisted record of one onboarding run.
type OnboardingSession struct {
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id"`
	RoomName         string    `json:"room_name"`
	Stage            Stage     `json:"stage"`
	PaymentSelection string    `json:"payment_selection,omitempty"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasPaymentSelection returns true once the user has picked a payment option.
func (s *OnboardingSession) HasPaymentSelection() bool {
	return s.PaymentSelection != ""
}

// SessionTTL returns the time until the session expires from inactivity.
// Returns 0 if already expired.
func (s *OnboardingSession) SessionTTL(sessionDuration time.Duration) time.Duration {
	expiresAt := s.LastSeenAt.Add(sessionDuration)
	ttl := time.Until(expiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}
