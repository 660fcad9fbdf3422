package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relayworks/payagent/internal/config"
	"github.com/relayworks/payagent/internal/domain"
	"github.com/relayworks/payagent/internal/store"
)

func defaultTestConfig() *config.Config {
	return &config.Config{
		AgentTimeout:  time.Second,
		AgentMaxSteps: 10,
		MaxAttempts:   3,
		RateLimit:     config.RateLimitConfig{Requests: 100, Window: time.Minute},
	}
}

func newTurnRouter(t *testing.T, stub *stubProcessor, cfg *config.Config) (chi.Router, *store.Store) {
	t.Helper()
	if cfg == nil {
		cfg = defaultTestConfig()
	}
	st := store.New()
	svc := NewService(st, stub, nil, cfg)
	r := chi.NewRouter()
	NewHandler(context.Background(), svc, cfg).RegisterRoutes(r)
	return r, st
}

func postTurn(router chi.Router, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/agent/turn", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) TurnResponse {
	t.Helper()
	var resp TurnResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	return resp
}

func TestHandleTurnSuccess(t *testing.T) {
	stub := &stubProcessor{replies: []string{"Payment link created: https://paytm.me/abc123"}}
	router, _ := newTurnRouter(t, stub, nil)

	w := postTurn(router, `{"message": "Create a ₹500 payment link"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	resp := decodeEnvelope(t, w)
	if resp.Status != "success" {
		t.Errorf("Expected status success, got %q", resp.Status)
	}
	if resp.SessionID == "" {
		t.Error("Session ID missing from envelope")
	}
	if !strings.Contains(resp.Response, "paytm.me/abc123") {
		t.Errorf("Agent reply lost: %q", resp.Response)
	}
}

func TestHandleTurnMissingParameter(t *testing.T) {
	stub := &stubProcessor{replies: []string{"Please provide the email address."}}
	router, _ := newTurnRouter(t, stub, nil)

	w := postTurn(router, `{"message": "Create a ₹500 payment link", "session_id": "sess-a"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	resp := decodeEnvelope(t, w)
	if resp.Status != "missing_parameter" {
		t.Errorf("Expected status missing_parameter, got %q", resp.Status)
	}
	if resp.MissingParam != "email address" {
		t.Errorf("Expected missing_param %q, got %q", "email address", resp.MissingParam)
	}
	if resp.SessionID != "sess-a" {
		t.Errorf("Caller session ID not echoed, got %q", resp.SessionID)
	}
}

func TestHandleTurnAttemptCeiling(t *testing.T) {
	stub := &stubProcessor{}
	router, st := newTurnRouter(t, stub, nil)

	sess, _ := st.GetOrCreate("stuck", "Create a payment link")
	sess.Append(domain.SpeakerUser, "Create a payment link")
	sess.AttemptCount = 3
	st.Save(sess)

	w := postTurn(router, `{"message": "more details", "session_id": "stuck"}`)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", w.Code)
	}
	resp := decodeEnvelope(t, w)
	if resp.Status != "error" {
		t.Errorf("Expected status error, got %q", resp.Status)
	}
	if resp.Response != maxAttemptsMessage {
		t.Errorf("Unexpected ceiling message: %q", resp.Response)
	}
}

func TestHandleTurnTimeout(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.AgentTimeout = 50 * time.Millisecond
	stub := &stubProcessor{delay: 500 * time.Millisecond, replies: []string{"too late"}}
	router, _ := newTurnRouter(t, stub, cfg)

	w := postTurn(router, `{"message": "Create a payment link"}`)

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("Expected status 504, got %d", w.Code)
	}
	resp := decodeEnvelope(t, w)
	if resp.Response != timeoutMessage {
		t.Errorf("Unexpected timeout message: %q", resp.Response)
	}
}

func TestHandleTurnInternalError(t *testing.T) {
	stub := &stubProcessor{err: errors.New("boom: secret detail")}
	router, _ := newTurnRouter(t, stub, nil)

	w := postTurn(router, `{"message": "Create a payment link"}`)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	resp := decodeEnvelope(t, w)
	if resp.Status != "error" {
		t.Errorf("Expected status error, got %q", resp.Status)
	}
	if strings.Contains(resp.Response, "secret detail") {
		t.Errorf("Fault detail leaked to the caller: %q", resp.Response)
	}
}

func TestHandleTurnValidation(t *testing.T) {
	router, _ := newTurnRouter(t, &stubProcessor{}, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty message", `{"message": ""}`, http.StatusBadRequest},
		{"missing message", `{}`, http.StatusBadRequest},
		{"malformed json", `{"message": `, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postTurn(router, tt.body)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestHandleTurnRateLimit(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.RateLimit = config.RateLimitConfig{Requests: 2, Window: time.Minute}
	stub := &stubProcessor{replies: []string{"ok", "ok"}}
	router, _ := newTurnRouter(t, stub, cfg)

	// httptest requests share a RemoteAddr, so they land on one key.
	postTurn(router, `{"message": "one"}`)
	postTurn(router, `{"message": "two"}`)
	w := postTurn(router, `{"message": "three"}`)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rate limit exceeded") {
		t.Errorf("Unexpected body: %q", w.Body.String())
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(context.Background(), 2, 50*time.Millisecond)

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("First two requests should pass")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("Third request inside the window should be rejected")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("Other clients must not be throttled")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("Requests should pass again once the window slides")
	}
}

func TestRateLimiterEvictionStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rl := NewRateLimiter(ctx, 1, 20*time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)

	// A live evictor would drop this entry within one window tick.
	rl.Allow("10.0.0.1")
	time.Sleep(100 * time.Millisecond)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.requests["10.0.0.1"]; !ok {
		t.Error("Eviction kept running after the context was cancelled")
	}
}

func TestRateLimiterEvictsStaleKeys(t *testing.T) {
	rl := NewRateLimiter(context.Background(), 1, 20*time.Millisecond)

	rl.Allow("10.0.0.1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rl.mu.Lock()
		_, ok := rl.requests["10.0.0.1"]
		rl.mu.Unlock()
		if !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Stale key never evicted")
}
