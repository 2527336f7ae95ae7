// Package trial implements the per-view free-tier timer. A session counts
// seconds since the channel view opened, warns at WarningThreshold, and
// blocks sending at LockThreshold until the participant subscribes. The
// gate is local to the view and is not enforced by any store.
package trial

import (
	"sync"
	"time"
)

// Phase is the position of a session in the trial state machine.
type Phase string

const (
	PhaseFree       Phase = "free"
	PhaseWarning    Phase = "warning"
	PhaseLocked     Phase = "locked"
	PhaseSubscribed Phase = "subscribed"
)

// Config holds trial thresholds in whole seconds.
type Config struct {
	WarningThreshold int
	LockThreshold    int
	Interval         time.Duration
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		WarningThreshold: 50,
		LockThreshold:    60,
		Interval:         time.Second,
	}
}

// State is a snapshot of a session.
type State struct {
	Phase      Phase `json:"phase"`
	Elapsed    int   `json:"elapsed"`
	Subscribed bool  `json:"subscribed"`
	CanSend    bool  `json:"can_send"`
}

// Session is the trial state machine. It is safe for concurrent use.
type Session struct {
	cfg Config

	mu         sync.Mutex
	elapsed    int
	subscribed bool
	phase      Phase
}

// NewSession returns a session in Free(0).
func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg, phase: PhaseFree}
}

// Tick advances the session by one second. It has no effect while locked.
func (s *Session) Tick() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseLocked {
		return s.stateLocked()
	}
	s.elapsed++
	switch {
	case s.subscribed:
		s.phase = PhaseSubscribed
	case s.elapsed >= s.cfg.LockThreshold:
		s.phase = PhaseLocked
	case s.elapsed >= s.cfg.WarningThreshold:
		s.phase = PhaseWarning
	default:
		s.phase = PhaseFree
	}
	return s.stateLocked()
}

// Subscribe records the subscribe action. Sending is permitted from then on
// and no further lock transitions occur.
func (s *Session) Subscribe() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribed = true
	s.phase = PhaseSubscribed
	return s.stateLocked()
}

// State returns the current state without advancing it.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// CanSend reports whether the send predicate currently holds.
func (s *Session) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canSendLocked()
}

func (s *Session) canSendLocked() bool {
	return s.subscribed || s.elapsed < s.cfg.LockThreshold
}

func (s *Session) stateLocked() State {
	return State{
		Phase:      s.phase,
		Elapsed:    s.elapsed,
		Subscribed: s.subscribed,
		CanSend:    s.canSendLocked(),
	}
}
