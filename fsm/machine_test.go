package fsm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testCtx struct {
	order   []string
	calls   int
	closed  bool
	counter int
}

type testEvent string

const (
	evGo      testEvent = "GO"
	evNope    testEvent = "NOPE"
	evAny     testEvent = "ANY"
	evOK      testEvent = "OK"
	evTimeout testEvent = "TIMEOUT"
)

func newTestMachine(t *testing.T) *Machine[testCtx, testEvent] {
	t.Helper()
	m := New[testCtx, testEvent]("@idle.start", testCtx{}, nil)
	return m
}

func TestBasicTransitionAndOrdering(t *testing.T) {
	var mu sync.Mutex
	var log []string
	record := func(s string) {
		mu.Lock()
		log = append(log, s)
		mu.Unlock()
	}

	m := newTestMachine(t)
	m.OnEnter("@idle.*", func(p *Patchable[testCtx]) Cleanup {
		record("enter-group")
		return func() { record("exit-group") }
	})
	m.OnEnter("@idle.start", func(p *Patchable[testCtx]) Cleanup {
		record("enter-leaf")
		return func() { record("exit-leaf") }
	})
	m.AddTransitions("@idle.start", map[testEvent]State{evGo: "@active.running"})
	m.OnEnter("@active.running", func(p *Patchable[testCtx]) Cleanup {
		record("enter-active")
		return nil
	})

	m.Start()
	defer m.Stop()

	mu.Lock()
	initial := append([]string(nil), log...)
	mu.Unlock()
	if len(initial) != 2 || initial[0] != "enter-group" || initial[1] != "enter-leaf" {
		t.Fatalf("initial entry order = %v, want [enter-group enter-leaf]", initial)
	}

	m.Send(evGo)

	mu.Lock()
	defer mu.Unlock()
	// Exit cleanups run deepest-first (leaf before group), then entry
	// into the new state.
	want := []string{"enter-group", "enter-leaf", "exit-leaf", "exit-group", "enter-active"}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log[%d] = %q, want %q (full log %v)", i, log[i], want[i], log)
		}
	}
}

func TestUnmatchedEventIsIgnoredAndSurfaced(t *testing.T) {
	m := newTestMachine(t)
	var ignored testEvent
	m.DidIgnoreEvent.Subscribe(func(ev testEvent) { ignored = ev })

	m.Start()
	defer m.Stop()

	m.Send(evNope)
	if ignored != evNope {
		t.Errorf("DidIgnoreEvent got %q, want %q", ignored, evNope)
	}
	if m.CurrentState() != "@idle.start" {
		t.Errorf("state changed on ignored event: %v", m.CurrentState())
	}
}

func TestLeafTransitionTakesPrecedenceOverWildcard(t *testing.T) {
	m := newTestMachine(t)
	m.AddTransitions("*", map[testEvent]State{evAny: "@idle.wild"})
	m.AddTransitions("@idle.start", map[testEvent]State{evAny: "@idle.specific"})

	m.Start()
	defer m.Stop()

	m.Send(evAny)
	if m.CurrentState() != "@idle.specific" {
		t.Errorf("got %v, want @idle.specific (leaf transition should win)", m.CurrentState())
	}
}

func TestEffectPatchesContext(t *testing.T) {
	m := newTestMachine(t)
	m.AddTransitionWithEffect("@idle.start", evGo, "@active.running", func(p *Patchable[testCtx]) {
		p.Patch(func(c *testCtx) { c.counter = 42 })
	})

	m.Start()
	defer m.Stop()

	m.Send(evGo)
	if got := m.Context().counter; got != 42 {
		t.Errorf("context.counter = %d, want 42", got)
	}
}

func TestTimedTransitionFiresOnce(t *testing.T) {
	m := newTestMachine(t)
	m.AddTimedTransition("@idle.start", func(testCtx) int64 { return 5 }, "@active.running")

	entries := 0
	m.OnEnter("@active.running", func(p *Patchable[testCtx]) Cleanup {
		entries++
		return nil
	})

	m.Start()
	defer m.Stop()

	time.Sleep(100 * time.Millisecond)
	if m.CurrentState() != "@active.running" {
		t.Fatalf("state = %v, want @active.running", m.CurrentState())
	}
	if entries != 1 {
		t.Errorf("entries = %d, want 1", entries)
	}

	time.Sleep(50 * time.Millisecond)
	if entries != 1 {
		t.Errorf("timer fired again after first transition: entries = %d", entries)
	}
}

func TestTimedTransitionCancelledOnExit(t *testing.T) {
	m := newTestMachine(t)
	m.AddTimedTransition("@idle.start", func(testCtx) int64 { return 30 }, "@idle.timedout")
	m.AddTransitions("@idle.start", map[testEvent]State{evGo: "@active.running"})

	m.Start()
	defer m.Stop()

	m.Send(evGo) // leaves @idle.start well before the 30ms timer fires
	time.Sleep(80 * time.Millisecond)

	if m.CurrentState() != "@active.running" {
		t.Errorf("state = %v, want @active.running (timer should have been cancelled)", m.CurrentState())
	}
}

func TestAsyncEntrySuccessTransitions(t *testing.T) {
	m := newTestMachine(t)
	m.OnEnterAsync("@idle.start",
		func(ctx context.Context, c testCtx) (any, error) {
			return "payload", nil
		},
		func(data any, c testCtx) (State, func(*Patchable[testCtx]), bool) {
			return "@active.running", nil, true
		},
		func(err error, c testCtx) (State, func(*Patchable[testCtx]), bool) {
			return "@idle.failed", nil, true
		},
	)

	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.CurrentState() == "@active.running" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out, state = %v", m.CurrentState())
}

func TestAsyncEntryFailureTransitions(t *testing.T) {
	m := newTestMachine(t)
	m.OnEnterAsync("@idle.start",
		func(ctx context.Context, c testCtx) (any, error) {
			return nil, errors.New("boom")
		},
		func(data any, c testCtx) (State, func(*Patchable[testCtx]), bool) {
			return "@active.running", nil, true
		},
		func(err error, c testCtx) (State, func(*Patchable[testCtx]), bool) {
			return "@idle.failed", nil, true
		},
	)

	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.CurrentState() == "@idle.failed" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out, state = %v", m.CurrentState())
}

func TestAsyncEntryCancelledOnExitDiscardsResult(t *testing.T) {
	m := newTestMachine(t)
	started := make(chan struct{})
	cancelled := make(chan struct{})

	m.OnEnterAsync("@idle.start",
		func(ctx context.Context, c testCtx) (any, error) {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return "too-late", nil
		},
		func(data any, c testCtx) (State, func(*Patchable[testCtx]), bool) {
			t.Error("onOk should never run: the state was exited before work resolved")
			return "", nil, false
		},
		nil,
	)
	m.AddTransitions("@idle.start", map[testEvent]State{evGo: "@active.running"})

	m.Start()
	defer m.Stop()

	<-started
	m.Send(evGo)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancellation signal never delivered to async work")
	}

	time.Sleep(20 * time.Millisecond)
	if m.CurrentState() != "@active.running" {
		t.Errorf("state = %v, want @active.running (stale async result must not transition)", m.CurrentState())
	}
}
