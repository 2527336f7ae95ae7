package trial

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trial event")
		return Event{}
	}
}

func TestTimer_LocksAndStopsTicking(t *testing.T) {
	clock := clockwork.NewFakeClock()
	events := make(chan Event, 100)
	cfg := DefaultConfig()
	tm := NewTimer(cfg, clock, func(ev Event) { events <- ev })
	defer tm.Stop()

	tm.Start()
	clock.BlockUntil(1)

	var transitions []Phase
	for i := 1; i <= cfg.LockThreshold; i++ {
		clock.Advance(cfg.Interval)
		ev := waitEvent(t, events)
		if ev.State.Elapsed != i {
			t.Fatalf("tick %d: expected elapsed %d, got %d", i, i, ev.State.Elapsed)
		}
		if ev.Transitioned() {
			transitions = append(transitions, ev.State.Phase)
		}
	}
	if len(transitions) != 2 || transitions[0] != PhaseWarning || transitions[1] != PhaseLocked {
		t.Fatalf("expected [warning locked] transitions, got %v", transitions)
	}

	// The ticker goroutine exits on lock.
	clock.BlockUntil(0)
	clock.Advance(10 * cfg.Interval)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after lock: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if st := tm.State(); st.Phase != PhaseLocked || st.Elapsed != cfg.LockThreshold {
		t.Errorf("expected Locked(60), got %+v", st)
	}
}

func TestTimer_SubscribeResumesTicking(t *testing.T) {
	clock := clockwork.NewFakeClock()
	events := make(chan Event, 10)
	cfg := Config{WarningThreshold: 1, LockThreshold: 2, Interval: time.Second}
	tm := NewTimer(cfg, clock, func(ev Event) { events <- ev })
	defer tm.Stop()

	tm.Start()
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	waitEvent(t, events)
	clock.Advance(time.Second)
	if ev := waitEvent(t, events); ev.State.Phase != PhaseLocked {
		t.Fatalf("expected locked, got %+v", ev.State)
	}
	clock.BlockUntil(0)

	st := tm.Subscribe()
	if st.Phase != PhaseSubscribed || !st.CanSend {
		t.Fatalf("expected subscribed, got %+v", st)
	}
	ev := waitEvent(t, events)
	if !ev.Transitioned() || ev.Prev.Phase != PhaseLocked {
		t.Errorf("expected locked -> subscribed event, got %+v", ev)
	}

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	ev = waitEvent(t, events)
	if ev.State.Phase != PhaseSubscribed || ev.State.Elapsed != 3 {
		t.Errorf("expected Subscribed(3), got %+v", ev.State)
	}
}

func TestTimer_StopIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tm := NewTimer(DefaultConfig(), clock, nil)
	tm.Start()
	clock.BlockUntil(1)

	tm.Stop()
	tm.Stop()

	clock.BlockUntil(0)
	tm.Start()
	if st := tm.State(); st.Elapsed != 0 {
		t.Errorf("stopped timer ticked: %+v", st)
	}
}

func TestTimer_ManualTick(t *testing.T) {
	var events []Event
	tm := NewTimer(Config{WarningThreshold: 1, LockThreshold: 2, Interval: time.Second}, clockwork.NewFakeClock(), func(ev Event) {
		events = append(events, ev)
	})
	defer tm.Stop()

	tm.Tick()
	st := tm.Tick()
	if st.Phase != PhaseLocked {
		t.Fatalf("expected locked, got %+v", st)
	}
	if len(events) != 2 || !events[0].Transitioned() || events[1].State.Phase != PhaseLocked {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestTimer_ManualStaysManualAfterSubscribe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := Config{WarningThreshold: 1, LockThreshold: 2, Interval: time.Second}
	tm := NewTimer(cfg, clock, nil)
	defer tm.Stop()

	tm.Tick()
	tm.Tick()
	if st := tm.Subscribe(); st.Phase != PhaseSubscribed || st.Elapsed != 2 {
		t.Fatalf("expected Subscribed(2), got %+v", st)
	}

	// Give a wrongly started ticker goroutine time to register with the clock.
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		clock.Advance(cfg.Interval)
	}
	time.Sleep(20 * time.Millisecond)
	if st := tm.State(); st.Elapsed != 2 {
		t.Fatalf("manual timer ticked by itself: elapsed 2 -> %d", st.Elapsed)
	}

	if st := tm.Tick(); st.Elapsed != 3 || st.Phase != PhaseSubscribed {
		t.Errorf("expected manual Tick to reach Subscribed(3), got %+v", st)
	}
}
