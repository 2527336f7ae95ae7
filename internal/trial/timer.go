package trial

import (
	"sync"

	"github.com/jonboulle/clockwork"
)

// Event is emitted after every tick and every subscribe.
type Event struct {
	Prev  State
	State State
}

// Transitioned reports whether the event changed the phase.
func (e Event) Transitioned() bool {
	return e.Prev.Phase != e.State.Phase
}

// Timer drives a Session once per Config.Interval. Ticking stops when the
// session locks and resumes when Subscribe is called. A timer that was never
// started stays manual: only Tick advances it, before and after Subscribe.
type Timer struct {
	session *Session
	clock   clockwork.Clock
	cfg     Config
	onEvent func(Event)

	mu      sync.Mutex
	auto    bool // Start was called
	running bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewTimer creates a stopped timer over a fresh session. onEvent is called
// from the timer goroutine, or from the caller of Subscribe, and may be nil.
func NewTimer(cfg Config, clock clockwork.Clock, onEvent func(Event)) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Timer{
		session: NewSession(cfg),
		clock:   clock,
		cfg:     cfg,
		onEvent: onEvent,
		stopCh:  make(chan struct{}),
	}
}

// Session exposes the underlying state machine.
func (t *Timer) Session() *Session {
	return t.session
}

// Start begins ticking. It is a no-op if already running, stopped, or locked.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.auto = true
	t.startLocked()
}

func (t *Timer) startLocked() {
	if t.running || t.stopped || t.session.State().Phase == PhaseLocked {
		return
	}
	t.running = true
	t.wg.Add(1)
	go t.run()
}

// Subscribe moves the session to Subscribed and, for a started timer,
// restarts ticking if the session had locked.
func (t *Timer) Subscribe() State {
	t.mu.Lock()
	prev := t.session.State()
	st := t.session.Subscribe()
	if t.auto {
		t.startLocked()
	}
	t.mu.Unlock()

	t.onEvent(Event{Prev: prev, State: st})
	return st
}

// Tick advances the session by hand and emits the resulting event. Used by
// callers that drive time themselves.
func (t *Timer) Tick() State {
	t.mu.Lock()
	prev := t.session.State()
	st := t.session.Tick()
	t.mu.Unlock()

	t.onEvent(Event{Prev: prev, State: st})
	return st
}

// State returns the session state.
func (t *Timer) State() State {
	return t.session.State()
}

// Stop halts ticking permanently. Safe to call more than once. No tick event
// is delivered after Stop returns. Must not be called from onEvent.
func (t *Timer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *Timer) run() {
	defer t.wg.Done()

	ticker := t.clock.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.Chan():
		}

		t.mu.Lock()
		select {
		case <-t.stopCh:
			t.mu.Unlock()
			return
		default:
		}
		prev := t.session.State()
		st := t.session.Tick()
		if st.Phase == PhaseLocked {
			t.running = false
		}
		t.mu.Unlock()

		t.onEvent(Event{Prev: prev, State: st})
		if st.Phase == PhaseLocked {
			return
		}
	}
}
