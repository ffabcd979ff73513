package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/rpatwari/voicedesk/internal/store"
)

const ttlWorkerInterval = 5 * time.Minute

// StartTTLWorker starts a background loop that disconnects and deletes
// onboarding sessions idle longer than ttl. It stops when ctx is canceled.
func StartTTLWorker(ctx context.Context, repo store.Repository, mgr *Manager, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(ttlWorkerInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("TTL worker stopped")
				return
			case <-ticker.C:
				sweepExpired(ctx, repo, mgr, ttl)
			}
		}
	}()
}

func sweepExpired(ctx context.Context, repo store.Repository, mgr *Manager, ttl time.Duration) {
	expired, err := repo.GetExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker: failed to query expired sessions", "error", err)
		return
	}

	for _, s := range expired {
		mgr.Remove(s.UserID, s.SessionID)
	}

	deleted, err := repo.CleanupExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker: failed to cleanup expired sessions", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("TTL worker: cleaned up expired sessions", "deleted", deleted)
	}
}
