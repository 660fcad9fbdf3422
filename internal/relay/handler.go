package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relayworks/payagent/internal/api"
	"github.com/relayworks/payagent/internal/config"
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// TurnRequest is the body of POST /api/agent/turn.
type TurnRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// TurnResponse is the envelope returned for every relayed turn. Turns that
// never produced an agent reply report status "error" alongside a non-2xx
// HTTP status.
type TurnResponse struct {
	Response     string `json:"response"`
	Status       string `json:"status"`
	SessionID    string `json:"session_id"`
	MissingParam string `json:"missing_param,omitempty"`
}

// RateLimiter implements a sliding-window per-client limiter. The key is
// the client IP as rewritten by the RealIP middleware, so one client's
// burst cannot starve another's turns.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter and starts the background eviction
// goroutine. The goroutine stops when ctx is cancelled.
func NewRateLimiter(ctx context.Context, limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	rl.startEviction(ctx)
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// startEviction periodically removes expired keys from the requests map,
// preventing unbounded memory growth.
func (r *RateLimiter) startEviction(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.evictStale()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *RateLimiter) evictStale() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.window)
	for key, times := range r.requests {
		var fresh []time.Time
		for _, t := range times {
			if t.After(cutoff) {
				fresh = append(fresh, t)
			}
		}
		if len(fresh) == 0 {
			delete(r.requests, key)
		} else {
			r.requests[key] = fresh
		}
	}
}

// Handler serves the turn endpoint.
type Handler struct {
	svc         *Service
	rateLimiter *RateLimiter
}

// NewHandler creates a turn handler with per-IP rate limiting. ctx bounds
// the limiter's eviction goroutine.
func NewHandler(ctx context.Context, svc *Service, cfg *config.Config) *Handler {
	rateLimitRequests := 20
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.Requests
		rateLimitWindow = cfg.RateLimit.Window
	}

	return &Handler{
		svc:         svc,
		rateLimiter: NewRateLimiter(ctx, rateLimitRequests, rateLimitWindow),
	}
}

// RegisterRoutes registers agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/turn", h.HandleTurn)
	})
}

// HandleTurn handles POST /api/agent/turn requests.
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	if !h.rateLimiter.Allow(clientIP(r)) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Message == "" {
		http.Error(w, `{"error": "message is required"}`, http.StatusBadRequest)
		return
	}

	slog.Info("Agent turn request",
		"session_id", req.SessionID,
		"message_length", len(req.Message),
	)

	result := h.svc.HandleTurn(r.Context(), req.SessionID, req.Message)
	writeResult(w, result)
}

// writeResult maps a turn outcome onto the response envelope. Outcomes the
// caller can act on stay 200; everything else degrades to status "error"
// with a matching HTTP status, and the session ID is echoed so the caller
// can continue or reset the conversation.
func writeResult(w http.ResponseWriter, res TurnResult) {
	resp := TurnResponse{
		Response:  res.Reply,
		SessionID: res.SessionID,
	}

	httpStatus := http.StatusOK
	switch res.Status {
	case StatusSuccess:
		resp.Status = "success"
	case StatusMissingParameter:
		resp.Status = "missing_parameter"
		resp.MissingParam = res.MissingParam
	case StatusMaxAttempts:
		resp.Status = "error"
		httpStatus = http.StatusTooManyRequests
	case StatusTimedOut:
		resp.Status = "error"
		httpStatus = http.StatusGatewayTimeout
	default:
		resp.Status = "error"
		httpStatus = http.StatusInternalServerError
	}

	api.JSON(w, httpStatus, resp)
}

// clientIP extracts the rate-limit key from the request. RealIP middleware
// has already folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
