// Package store provides the in-memory session store and idle-session reaper.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/relayworks/payagent/internal/domain"
)

// ErrSessionNotFound is returned when a session ID has no live session.
var ErrSessionNotFound = errors.New("session not found")

// Store keeps sessions in memory, keyed by session ID. Callers always
// receive deep copies; mutations only reach the store through Save, so no
// store lock is ever held while a turn is waiting on the agent.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	sess *domain.Session
}

// New returns an empty session store.
func New() *Store {
	return &Store{sessions: make(map[string]*entry)}
}

// GetOrCreate returns a copy of the session with the given ID, creating it
// first if needed. A new session starts with zero attempts, empty history,
// and initialMessage as its immutable original request; initialMessage is
// ignored for sessions that already exist. The boolean reports creation.
func (s *Store) GetOrCreate(id, initialMessage string) (*domain.Session, bool) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return e.clone(), false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[id]; ok {
		return e.clone(), false
	}
	e = &entry{sess: domain.NewSession(id, initialMessage)}
	s.sessions[id] = e
	return e.clone(), true
}

// Get returns a copy of the session or ErrSessionNotFound.
func (s *Store) Get(id string) (*domain.Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.clone(), nil
}

// Save writes the caller's copy back into the store. Concurrent saves of
// the same session are last-write-wins; a session deleted since the caller
// read it is recreated from the saved copy.
func (s *Store) Save(sess *domain.Session) {
	s.mu.RLock()
	e, ok := s.sessions[sess.ID]
	s.mu.RUnlock()
	if ok {
		e.replace(sess)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[sess.ID]; ok {
		e.replace(sess)
		return
	}
	s.sessions[sess.ID] = &entry{sess: sess.Clone()}
}

// Delete removes the session. Deleting an absent ID is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// ListIDs returns a snapshot of all live session IDs.
func (s *Store) ListIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ExpiredIDs returns the IDs of sessions idle for longer than retention,
// plus any session whose history is still empty.
func (s *Store) ExpiredIDs(retention time.Duration) []string {
	now := time.Now()
	var expired []string
	for _, id := range s.ListIDs() {
		sess, err := s.Get(id)
		if err != nil {
			continue
		}
		if sess.IdleFor(now) > retention || len(sess.History) == 0 {
			expired = append(expired, id)
		}
	}
	return expired
}

func (e *entry) clone() *domain.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone()
}

func (e *entry) replace(sess *domain.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess = sess.Clone()
}
