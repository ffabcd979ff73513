package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rpatwari/voicedesk/internal/domain"
	"github.com/rpatwari/voicedesk/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS onboarding_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		room_name TEXT NOT NULL,
		stage TEXT NOT NULL,
		payment_selection TEXT,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON onboarding_sessions(last_seen_at);

	CREATE TABLE IF NOT EXISTS transcript_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript_entries(user_id, session_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetSession retrieves an onboarding session by user and session ID.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.OnboardingSession, error) {
	query := `
		SELECT user_id, session_id, room_name, stage, payment_selection,
		       last_seen_at, created_at, updated_at
		FROM onboarding_sessions WHERE user_id = ? AND session_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID, sessionID)

	var session domain.OnboardingSession
	var paymentSelection sql.NullString
	var stage string
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(
		&session.UserID, &session.SessionID, &session.RoomName, &stage,
		&paymentSelection, &lastSeen, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.Stage = domain.Stage(stage)
	session.PaymentSelection = paymentSelection.String
	session.LastSeenAt = time.Unix(lastSeen, 0)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)

	return &session, nil
}

// UpsertSession creates or updates an onboarding session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.OnboardingSession) error {
	query := `
	INSERT INTO onboarding_sessions (user_id, session_id, room_name, stage, payment_selection, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, session_id) DO UPDATE SET
		room_name = excluded.room_name,
		stage = excluded.stage,
		payment_selection = COALESCE(excluded.payment_selection, onboarding_sessions.payment_selection),
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	var paymentSelection interface{}
	if session.PaymentSelection != "" {
		paymentSelection = session.PaymentSelection
	}

	_, err := s.db.ExecContext(ctx, query,
		session.UserID, session.SessionID, session.RoomName, string(session.Stage),
		paymentSelection, session.LastSeenAt.Unix(),
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// UpdateStage records the current onboarding stage for a session.
func (s *SQLiteStore) UpdateStage(ctx context.Context, userID, sessionID string, stage domain.Stage) error {
	query := `UPDATE onboarding_sessions SET stage = ?, updated_at = ? WHERE user_id = ? AND session_id = ?`
	result, err := s.db.ExecContext(ctx, query, string(stage), time.Now().Unix(), userID, sessionID)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateStage affected 0 rows", "user_id", userID, "session_id", sessionID)
	}
	return nil
}

// UpdatePaymentSelection records the user's payment choice.
func (s *SQLiteStore) UpdatePaymentSelection(ctx context.Context, userID, sessionID, selection string) error {
	query := `UPDATE onboarding_sessions SET payment_selection = ?, updated_at = ? WHERE user_id = ? AND session_id = ?`
	result, err := s.db.ExecContext(ctx, query, selection, time.Now().Unix(), userID, sessionID)
	if err != nil {
		return fmt.Errorf("update payment selection: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdatePaymentSelection affected 0 rows", "user_id", userID, "session_id", sessionID)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a session.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID, sessionID string, lastSeen time.Time) error {
	query := `UPDATE onboarding_sessions SET last_seen_at = ?, updated_at = ? WHERE user_id = ? AND session_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID, sessionID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID, "session_id", sessionID)
	}
	return nil
}

// AppendTranscript appends a finalized transcript entry.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, userID, sessionID string, entry domain.TranscriptEntry) error {
	query := `
	INSERT INTO transcript_entries (entry_id, user_id, session_id, speaker, text, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, userID, sessionID, string(entry.Speaker), entry.Text, entry.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append transcript entry: %w", err)
	}
	return nil
}

// ListTranscript returns transcript entries in insertion order.
func (s *SQLiteStore) ListTranscript(ctx context.Context, userID, sessionID string, limit int) ([]domain.TranscriptEntry, error) {
	query := `
		SELECT entry_id, speaker, text, created_at
		FROM transcript_entries
		WHERE user_id = ? AND session_id = ?
		ORDER BY seq ASC`
	args := []interface{}{userID, sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transcript entries: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	var entries []domain.TranscriptEntry
	for rows.Next() {
		var entry domain.TranscriptEntry
		var speaker string
		var createdAt int64

		if err := rows.Scan(&entry.ID, &speaker, &entry.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}

		entry.Speaker = domain.Speaker(speaker)
		entry.Timestamp = time.Unix(createdAt, 0)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript entries: %w", err)
	}

	return entries, nil
}

// GetExpiredSessions retrieves sessions that exceeded the inactivity TTL.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.OnboardingSession, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT user_id, session_id, room_name, stage, payment_selection,
		       last_seen_at, created_at, updated_at
		FROM onboarding_sessions WHERE last_seen_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.OnboardingSession
	for rows.Next() {
		var session domain.OnboardingSession
		var paymentSelection sql.NullString
		var stage string
		var lastSeen, createdAt, updatedAt int64

		if err := rows.Scan(
			&session.UserID, &session.SessionID, &session.RoomName, &stage,
			&paymentSelection, &lastSeen, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}

		session.Stage = domain.Stage(stage)
		session.PaymentSelection = paymentSelection.String
		session.LastSeenAt = time.Unix(lastSeen, 0)
		session.CreatedAt = time.Unix(createdAt, 0)
		session.UpdatedAt = time.Unix(updatedAt, 0)
		sessions = append(sessions, &session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}

	return sessions, nil
}

// CleanupExpiredSessions removes sessions and their transcripts older than TTL.
// Retries with exponential backoff on SQLite concurrency errors.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var deleted int64
	for i := 0; i < maxRetries; i++ {
		var err error
		deleted, err = s.cleanupExpiredOnce(ctx, ttl)
		if err == nil {
			return deleted, nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
			slog.Debug("CleanupExpiredSessions hit SQLite contention, retrying",
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return 0, fmt.Errorf("cleanup expired sessions after %d attempts: %w", i+1, err)
	}

	return deleted, nil
}

func (s *SQLiteStore) cleanupExpiredOnce(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM transcript_entries WHERE (user_id, session_id) IN (
			SELECT user_id, session_id FROM onboarding_sessions WHERE last_seen_at < ?
		)`, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete expired transcripts: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM onboarding_sessions WHERE last_seen_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup tx: %w", err)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
