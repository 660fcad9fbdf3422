// Package transcript persists an append-only audit log of completed turns.
// Transcripts are an audit artifact, not session state: deleting a session
// leaves its rows behind, and the relay never reads them back.
package transcript

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relayworks/payagent/internal/relay"
	"github.com/relayworks/payagent/internal/shared"
)

// Config controls the transcript recorder.
type Config struct {
	// DBPath is the SQLite database file. Empty disables recording.
	DBPath string
	// QueueSize bounds the in-flight record queue.
	QueueSize int
}

// Recorder implements relay.TurnRecorder backed by SQLite. Records are
// enqueued on the request path and written by a single background
// goroutine, so a slow database never delays a turn.
type Recorder struct {
	db     *sql.DB
	queue  chan relay.TurnRecord
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a transcript recorder. With an empty DBPath the recorder is
// disabled: Record drops everything and Close is a no-op.
func New(cfg Config, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DBPath == "" {
		return &Recorder{logger: logger}, nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create transcript directory: %w", err)
		}
	}

	// WAL mode keeps readers (sqlite3 CLI, reporting jobs) from blocking
	// the writer.
	dsn := cfg.DBPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open transcript database: %w", err)
	}

	// A single goroutine owns all writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping transcript database: %w", err)
	}

	r := &Recorder{
		db:     db,
		queue:  make(chan relay.TurnRecord, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize transcript schema: %w", err)
	}

	go r.writerLoop()
	return r, nil
}

func (r *Recorder) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		user_text TEXT NOT NULL,
		agent_reply TEXT NOT NULL,
		attempt_count INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);
	`
	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Enabled reports whether records are being persisted.
func (r *Recorder) Enabled() bool {
	return r.db != nil
}

// Record enqueues a completed turn. When the queue is full the record is
// dropped with a warning: the audit log must never block a turn.
func (r *Recorder) Record(rec relay.TurnRecord) {
	if r.db == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("Transcript queue full, dropping record",
			"session_id", rec.SessionID,
			"status", rec.Status,
		)
	}
}

// Close flushes queued records and closes the database. Callers must stop
// producing records before calling Close.
func (r *Recorder) Close() error {
	if r.db == nil {
		return nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.queue)
	<-r.done

	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close transcript database: %w", err)
	}
	return nil
}

func (r *Recorder) writerLoop() {
	defer close(r.done)
	for rec := range r.queue {
		r.insert(rec)
	}
}

// insert writes one record, retrying on SQLite concurrency errors.
func (r *Recorder) insert(rec relay.TurnRecord) {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := r.insertOnce(rec)
		if err == nil {
			return
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
			r.logger.Debug("Transcript insert hit a busy database, retrying",
				"session_id", rec.SessionID,
				"attempt", i+1,
				"delay", delay,
			)
			time.Sleep(delay)
			continue
		}

		r.logger.Error("Failed to record transcript turn",
			"session_id", rec.SessionID,
			"error", err,
		)
		return
	}
}

func (r *Recorder) insertOnce(rec relay.TurnRecord) error {
	query := `
		INSERT INTO turns (session_id, status, user_text, agent_reply, attempt_count, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.Exec(query,
		rec.SessionID, rec.Status, rec.UserText, rec.AgentReply,
		rec.AttemptCount, rec.Latency.Milliseconds(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}
