package transcript

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/relayworks/payagent/internal/relay"
)

type turnRow struct {
	sessionID    string
	status       string
	userText     string
	agentReply   string
	attemptCount int
	latencyMS    int64
	createdAt    int64
}

func waitForTurn(t *testing.T, db *sql.DB, sessionID string) turnRow {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var row turnRow
		err := db.QueryRow(`
			SELECT session_id, status, user_text, agent_reply, attempt_count, latency_ms, created_at
			FROM turns WHERE session_id = ?`, sessionID).
			Scan(&row.sessionID, &row.status, &row.userText, &row.agentReply,
				&row.attemptCount, &row.latencyMS, &row.createdAt)
		if err == nil {
			return row
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for transcript row %s", sessionID)
	return turnRow{}
}

func TestRecorderWritesTurns(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "transcripts.db")
	rec, err := New(Config{DBPath: dbPath, QueueSize: 16}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = rec.Close() }()

	rec.Record(relay.TurnRecord{
		SessionID:    "sess-1",
		Status:       "missing_parameter",
		UserText:     "Create a ₹500 payment link",
		AgentReply:   "Please provide the email address.",
		AttemptCount: 1,
		Latency:      1500 * time.Millisecond,
	})

	row := waitForTurn(t, rec.db, "sess-1")
	if row.status != "missing_parameter" {
		t.Errorf("Unexpected status %q", row.status)
	}
	if row.userText != "Create a ₹500 payment link" {
		t.Errorf("Unexpected user text %q", row.userText)
	}
	if row.agentReply != "Please provide the email address." {
		t.Errorf("Unexpected agent reply %q", row.agentReply)
	}
	if row.attemptCount != 1 {
		t.Errorf("Unexpected attempt count %d", row.attemptCount)
	}
	if row.latencyMS != 1500 {
		t.Errorf("Unexpected latency %dms", row.latencyMS)
	}
	if row.createdAt == 0 {
		t.Error("created_at not stamped")
	}
}

func TestCloseFlushesQueue(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "transcripts.db")
	rec, err := New(Config{DBPath: dbPath, QueueSize: 64}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		rec.Record(relay.TurnRecord{
			SessionID:  "sess-flush",
			Status:     "success",
			UserText:   "Create a payment link",
			AgentReply: "https://paytm.me/abc123",
		})
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer func() { _ = db.Close() }()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM turns WHERE session_id = ?`, "sess-flush").Scan(&count); err != nil {
		t.Fatalf("Count query failed: %v", err)
	}
	if count != 5 {
		t.Errorf("Expected 5 flushed rows, got %d", count)
	}
}

func TestDisabledRecorder(t *testing.T) {
	t.Parallel()

	rec, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if rec.Enabled() {
		t.Error("Recorder without a path must be disabled")
	}

	// Both are no-ops and must not panic.
	rec.Record(relay.TurnRecord{SessionID: "ignored"})
	if err := rec.Close(); err != nil {
		t.Errorf("Close on disabled recorder: %v", err)
	}
}

func TestRecordAfterClose(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "transcripts.db")
	rec, err := New(Config{DBPath: dbPath, QueueSize: 4}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Dropped silently, no panic on the closed queue.
	rec.Record(relay.TurnRecord{SessionID: "late"})

	// Close is idempotent.
	if err := rec.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}
