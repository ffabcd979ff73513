package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// TranscriptLogEvent is one NDJSON line in the transcript audit log.
type TranscriptLogEvent struct {
	Timestamp string `json:"ts"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
}

// TranscriptLogConfig controls NDJSON transcript logging.
type TranscriptLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// TranscriptLog writes finalized transcript entries to per-session NDJSON
// files. Writes happen on a background goroutine so logging never blocks
// the session event path; events are dropped (with a warning) if the queue
// is full.
type TranscriptLog struct {
	cfg    TranscriptLogConfig
	queue  chan TranscriptLogEvent
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

// NewTranscriptLog creates a transcript logger. When disabled, Log is a no-op.
func NewTranscriptLog(cfg TranscriptLogConfig) (*TranscriptLog, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create transcript log directory: %w", err)
		}
	}

	l := &TranscriptLog{
		cfg:   cfg,
		queue: make(chan TranscriptLogEvent, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	if cfg.Enabled {
		l.wg.Add(1)
		go l.writeLoop()
	}
	return l, nil
}

// Log enqueues an event for writing. Non-blocking.
func (l *TranscriptLog) Log(event TranscriptLogEvent) {
	if !l.cfg.Enabled {
		return
	}
	select {
	case l.queue <- event:
	default:
		slog.Warn("Transcript log queue full, dropping event",
			"user_id", event.UserID, "session_id", event.SessionID)
	}
}

func (l *TranscriptLog) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case event := <-l.queue:
					l.write(event)
				default:
					return
				}
			}
		case event := <-l.queue:
			l.write(event)
		}
	}
}

func (l *TranscriptLog) write(event TranscriptLogEvent) {
	dir := filepath.Join(l.cfg.Dir, event.UserID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("Failed to create transcript log session directory", "dir", dir, "error", err)
		return
	}

	path := filepath.Join(dir, event.SessionID+".ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Warn("Failed to open transcript log file", "path", path, "error", err)
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			slog.Debug("Failed to close transcript log file", "path", path, "error", closeErr)
		}
	}()

	line, err := json.Marshal(event)
	if err != nil {
		slog.Warn("Failed to marshal transcript log event", "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("Failed to write transcript log line", "path", path, "error", err)
	}
}

// Close stops the writer after draining queued events.
func (l *TranscriptLog) Close() error {
	l.closed.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}
