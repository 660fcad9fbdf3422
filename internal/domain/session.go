// Package domain contains core domain types for the payment assistant relay.
package domain

import (
	"slices"
	"time"
)

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Turn is a single entry in a session's conversation history.
type Turn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Session holds the conversational state for one payment request.
// OriginalRequest is fixed at creation and History is append-only;
// entries are never edited or removed while the session lives.
type Session struct {
	ID              string    `json:"id"`
	OriginalRequest string    `json:"original_request"`
	History         []Turn    `json:"history"`
	AttemptCount    int       `json:"attempt_count"`
	LastActive      time.Time `json:"last_active"`
}

// NewSession creates a session around its first user request.
func NewSession(id, originalRequest string) *Session {
	return &Session{
		ID:              id,
		OriginalRequest: originalRequest,
		LastActive:      time.Now(),
	}
}

// Append records a turn and marks the session active.
func (s *Session) Append(speaker Speaker, text string) {
	s.History = append(s.History, Turn{Speaker: speaker, Text: text})
	s.LastActive = time.Now()
}

// Clone returns a deep copy whose history does not alias the original.
func (s *Session) Clone() *Session {
	c := *s
	c.History = slices.Clone(s.History)
	return &c
}

// UserTurns returns the text of every user turn in order.
func (s *Session) UserTurns() []string {
	texts := make([]string, 0, len(s.History))
	for _, t := range s.History {
		if t.Speaker == SpeakerUser {
			texts = append(texts, t.Text)
		}
	}
	return texts
}

// IdleFor reports how long the session has been inactive relative to now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActive)
}
