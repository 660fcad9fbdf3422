// Package relay orchestrates payment-assistant turns. It owns the session
// lifecycle around each agent invocation: prompt accumulation, the attempt
// ceiling, reply classification, and persistence of the outcome.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relayworks/payagent/internal/agent"
	"github.com/relayworks/payagent/internal/classify"
	"github.com/relayworks/payagent/internal/config"
	"github.com/relayworks/payagent/internal/domain"
	"github.com/relayworks/payagent/internal/observability"
	"github.com/relayworks/payagent/internal/store"
)

// User-facing messages for turns that never produced an agent reply.
const (
	maxAttemptsMessage = "Maximum attempts reached. Please start a new request with all required parameters."
	timeoutMessage     = "Request timed out. Please try again."
	internalMessage    = "internal error"
)

// Service runs the turn algorithm against the session store and the agent.
type Service struct {
	store    *store.Store
	agent    agent.Processor
	recorder TurnRecorder

	agentTimeout time.Duration
	maxSteps     int
	maxAttempts  int
}

// NewService creates the turn orchestrator. A nil recorder disables
// transcript logging.
func NewService(st *store.Store, processor agent.Processor, recorder TurnRecorder, cfg *config.Config) *Service {
	if recorder == nil {
		recorder = noopTurnRecorder{}
	}

	agentTimeout := 30 * time.Second
	maxSteps := 30
	maxAttempts := 3
	if cfg != nil {
		if cfg.AgentTimeout > 0 {
			agentTimeout = cfg.AgentTimeout
		}
		if cfg.AgentMaxSteps > 0 {
			maxSteps = cfg.AgentMaxSteps
		}
		if cfg.MaxAttempts > 0 {
			maxAttempts = cfg.MaxAttempts
		}
	}

	return &Service{
		store:        st,
		agent:        processor,
		recorder:     recorder,
		agentTimeout: agentTimeout,
		maxSteps:     maxSteps,
		maxAttempts:  maxAttempts,
	}
}

// HandleTurn relays one user message through the agent and returns the
// outcome. The session identified by sessionID is created on first use; an
// empty sessionID starts a fresh session under a generated ID.
//
// Whatever the outcome, the user turn is persisted: history grows by one
// (ceiling, timeout, unrecoverable fault) or two (success, missing
// parameter), and the attempt count is saved in the same write.
func (s *Service) HandleTurn(ctx context.Context, sessionID, userText string) TurnResult {
	start := time.Now()

	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	sess, created := s.store.GetOrCreate(sessionID, userText)
	if created {
		slog.Info("Session created", "session_id", sessionID)
		observability.SetActiveSessions(s.store.Len())
	}
	sess.Append(domain.SpeakerUser, userText)

	// The ceiling is checked before any agent work, so a stuck session
	// costs nothing downstream.
	if sess.AttemptCount >= s.maxAttempts {
		s.store.Save(sess)
		slog.Warn("Attempt limit reached",
			"session_id", sessionID,
			"attempts", sess.AttemptCount,
		)
		return s.finish(start, userText, sess, TurnResult{
			SessionID: sessionID,
			Status:    StatusMaxAttempts,
			Reply:     maxAttemptsMessage,
		})
	}

	reply, err := s.runAgent(ctx, buildPrompt(sess))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.store.Save(sess)
			slog.Warn("Agent run timed out",
				"session_id", sessionID,
				"timeout", s.agentTimeout,
			)
			return s.finish(start, userText, sess, TurnResult{
				SessionID: sessionID,
				Status:    StatusTimedOut,
				Reply:     timeoutMessage,
			})
		}

		param, ok := classify.Fault(err.Error(), s.agent.Tools())
		if !ok {
			s.store.Save(sess)
			slog.Error("Agent run failed", "session_id", sessionID, "error", err)
			return s.finish(start, userText, sess, TurnResult{
				SessionID: sessionID,
				Status:    StatusInternalError,
				Reply:     internalMessage,
			})
		}

		slog.Info("Recovered missing parameter from agent fault",
			"session_id", sessionID,
			"param", param,
			"error", err,
		)
		reply = fmt.Sprintf("You requested: %s. Please provide the %s.", sess.OriginalRequest, param)
		return s.finish(start, userText, sess, s.missingParameter(sess, reply, param))
	}

	if res := classify.Reply(reply); res.Kind == classify.MissingParameter {
		return s.finish(start, userText, sess, s.missingParameter(sess, reply, res.Param))
	}

	sess.Append(domain.SpeakerAgent, reply)
	sess.AttemptCount = 0
	s.store.Save(sess)
	return s.finish(start, userText, sess, TurnResult{
		SessionID: sessionID,
		Status:    StatusSuccess,
		Reply:     reply,
	})
}

// missingParameter persists an incomplete turn: the agent's ask joins the
// history and the attempt count moves one closer to the ceiling.
func (s *Service) missingParameter(sess *domain.Session, reply, param string) TurnResult {
	sess.Append(domain.SpeakerAgent, reply)
	sess.AttemptCount++
	s.store.Save(sess)
	slog.Info("Turn needs another parameter",
		"session_id", sess.ID,
		"param", param,
		"attempts", sess.AttemptCount,
	)
	return TurnResult{
		SessionID:    sess.ID,
		Status:       StatusMissingParameter,
		Reply:        reply,
		MissingParam: param,
	}
}

// runAgent invokes the agent under the configured bounded wait. The agent
// honors context cancellation, but the turn must come back on time even if
// a collaborator wedges, so the call runs in its own goroutine.
func (s *Service) runAgent(ctx context.Context, prompt string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.agentTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		observability.RecordAgentRun(time.Since(start))
	}()

	type outcome struct {
		reply string
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		reply, err := s.agent.Run(runCtx, prompt, s.maxSteps)
		done <- outcome{reply, err}
	}()

	select {
	case out := <-done:
		return out.reply, out.err
	case <-runCtx.Done():
		return "", runCtx.Err()
	}
}

// buildPrompt assembles the agent prompt: the original request, then every
// later user turn on its own "Provided: " line. The turn being handled has
// already been appended, so it is the final line.
func buildPrompt(sess *domain.Session) string {
	users := sess.UserTurns()

	var b strings.Builder
	b.WriteString(sess.OriginalRequest)
	if len(users) > 1 {
		for _, text := range users[1:] {
			b.WriteString("\nProvided: ")
			b.WriteString(text)
		}
	}
	return b.String()
}

func (s *Service) finish(start time.Time, userText string, sess *domain.Session, res TurnResult) TurnResult {
	observability.RecordTurn(string(res.Status))
	s.recorder.Record(TurnRecord{
		SessionID:    res.SessionID,
		Status:       string(res.Status),
		UserText:     userText,
		AgentReply:   res.Reply,
		AttemptCount: sess.AttemptCount,
		Latency:      time.Since(start),
	})
	return res
}
