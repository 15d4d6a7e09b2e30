package api

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/trellis/pkg/lm"
)

// sessionRecord binds one remote decode to a model and holds its live
// hypothesis states by handle.
type sessionRecord struct {
	Model  string
	states map[string]lm.State
}

// SessionStore keeps the scoring sessions opened over HTTP. States are
// immutable values, so a handed-out state stays valid no matter what is
// added or deleted after it.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionRecord
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*sessionRecord),
	}
}

// Create opens a session bound to model, seeded with start as its canonical
// start state. It returns the session and state handles.
func (s *SessionStore) Create(model string, start lm.State) (sessionID, stateID string) {
	sessionID = newSessionID()
	stateID = newStateID()
	s.mu.Lock()
	s.sessions[sessionID] = &sessionRecord{
		Model:  model,
		states: map[string]lm.State{stateID: start},
	}
	s.mu.Unlock()
	return sessionID, stateID
}

// Model reports which model a session was opened against.
func (s *SessionStore) Model(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	return rec.Model, true
}

// State looks up one hypothesis state.
func (s *SessionStore) State(sessionID, stateID string) (lm.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return lm.State{}, false
	}
	st, ok := rec.states[stateID]
	return st, ok
}

// AddState stores a successor state in the session and returns its handle.
func (s *SessionStore) AddState(sessionID string, st lm.State) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	stateID := newStateID()
	rec.states[stateID] = st
	return stateID, true
}

// DeleteState drops one hypothesis state, freeing its handle.
func (s *SessionStore) DeleteState(sessionID, stateID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := rec.states[stateID]; !ok {
		return false
	}
	delete(rec.states, stateID)
	return true
}

// Delete drops a session and every state it holds, reporting how many
// states were still live.
func (s *SessionStore) Delete(sessionID string) (states int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return 0, false
	}
	delete(s.sessions, sessionID)
	return len(rec.states), true
}

func newSessionID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return "sess_" + hex.EncodeToString(b)
}

func newStateID() string {
	return "st_" + uuid.NewString()
}
