// Package identity tracks which participant is signed in on a connection and
// verifies the bearer tokens issued by the external identity service.
package identity

import "sync"

// Provider reports the current participant and announces changes.
type Provider interface {
	// Current returns the signed-in participant, if any.
	Current() (string, bool)

	// OnChange registers fn to run after every sign-in or sign-out. The
	// returned func unregisters it.
	OnChange(fn func(participant string, signedIn bool)) (cancel func())
}

// Session is an in-memory Provider for one connection.
type Session struct {
	mu          sync.Mutex
	participant string
	nextID      int
	listeners   map[int]func(string, bool)
}

// NewSession returns a signed-out session.
func NewSession() *Session {
	return &Session{listeners: make(map[int]func(string, bool))}
}

func (s *Session) Current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participant, s.participant != ""
}

func (s *Session) OnChange(fn func(string, bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// SignIn sets the current participant. Signing in as the current participant
// is a no-op.
func (s *Session) SignIn(participant string) {
	s.set(participant)
}

// SignOut clears the current participant.
func (s *Session) SignOut() {
	s.set("")
}

func (s *Session) set(participant string) {
	s.mu.Lock()
	if s.participant == participant {
		s.mu.Unlock()
		return
	}
	s.participant = participant
	fns := make([]func(string, bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(participant, participant != "")
	}
}
