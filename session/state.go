package session

import (
	"context"
	"sync"
	"time"
)

// State is the authenticated identity of one client context: a browser
// session, a connection or a CLI invocation. A zero State is Anonymous, and
// so is a nil *State for every read. State is safe for concurrent use; it
// must never be shared between clients.
type State struct {
	mu       sync.RWMutex
	username string
	remember bool
	issuedAt time.Time
}

// NewState returns an Anonymous state.
func NewState() *State {
	return &State{}
}

// Snapshot is an immutable copy of a State.
type Snapshot struct {
	Username string
	Remember bool
	IssuedAt time.Time
}

// Authenticated reports whether the state references a username.
func (s *State) Authenticated() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username != ""
}

// Username returns the authenticated username, or "" when Anonymous.
func (s *State) Username() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Username: s.username, Remember: s.remember, IssuedAt: s.issuedAt}
}

func (s *State) set(username string, remember bool, issuedAt time.Time) {
	s.mu.Lock()
	s.username = username
	s.remember = remember
	s.issuedAt = issuedAt
	s.mu.Unlock()
}

// setIfEmpty populates the state only if it is still Anonymous and reports
// whether it did.
func (s *State) setIfEmpty(username string, remember bool, issuedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.username != "" {
		return false
	}
	s.username = username
	s.remember = remember
	s.issuedAt = issuedAt
	return true
}

func (s *State) clear() {
	if s == nil {
		return
	}
	s.set("", false, time.Time{})
}

// clearIf empties the state only while it still references username.
func (s *State) clearIf(username string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.username == username {
		s.username = ""
		s.remember = false
		s.issuedAt = time.Time{}
	}
	s.mu.Unlock()
}

type contextKey int

const stateKey contextKey = iota

// WithState returns a copy of ctx carrying st.
func WithState(ctx context.Context, st *State) context.Context {
	return context.WithValue(ctx, stateKey, st)
}

// StateFrom returns the State carried by ctx, or nil.
func StateFrom(ctx context.Context) *State {
	st, _ := ctx.Value(stateKey).(*State)
	return st
}
