// Package fsm implements a generic, typed finite-state machine with
// hierarchical state groups, timed transitions, and cancellable async
// entry effects. It is the deterministic core the presence package's
// ConnectionManager drives.
//
// States are strings of the form "@group.leaf"; "@group.*" and "*"
// select multiple states when registering transitions or entry hooks.
// Every mutation — Send, a fired timer, an async entry's continuation —
// is funnelled through one internal goroutine (the "loop"), so from the
// caller's perspective the whole machine behaves as the single-threaded
// cooperative system spec.md describes even though Go itself preempts
// goroutines freely.
package fsm

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/nugget/presence-client/eventsource"
)

// State is one leaf state, e.g. "@ok.connected".
type State string

// Group returns the "@group" portion of a "@group.leaf" state.
func (s State) Group() string {
	i := strings.IndexByte(string(s), '.')
	if i < 0 {
		return string(s)
	}
	return string(s)[:i]
}

// Cleanup is returned by an entry hook and run once, on exit from the
// state (or group) it was registered for.
type Cleanup func()

// Patchable is the only legal mutation point for a machine's context.
// Hooks otherwise receive Ctx by value and cannot mutate the machine's
// copy of it.
type Patchable[Ctx any] struct {
	get func() Ctx
	set func(Ctx)
}

// Patch replaces the context with the result of applying fn to a copy
// of the current value.
func (p *Patchable[Ctx]) Patch(fn func(*Ctx)) {
	cur := p.get()
	fn(&cur)
	p.set(cur)
}

// Get returns the current context value, read-only.
func (p *Patchable[Ctx]) Get() Ctx {
	return p.get()
}

// transitionResult is what a transition table entry resolves to.
type transitionResult[Ctx any] struct {
	target State
	ok     bool
	effect func(*Patchable[Ctx])
}

// TransitionFunc computes a transition dynamically from the event and
// the current context. Returning ok=false means "ignore this event".
type TransitionFunc[Ctx any, Ev any] func(ev Ev, ctx Ctx) (target State, effect func(*Patchable[Ctx]), ok bool)

// entryHook is registered against a selector ("@group.*", "@group.leaf",
// or "*") and may return a Cleanup to run on exit.
type entryHook[Ctx any] struct {
	selector string
	fn       func(*Patchable[Ctx]) Cleanup
}

// DelayFunc computes a timed-transition delay from the current context.
type DelayFunc[Ctx any] func(ctx Ctx) (delayMs int64)

type timedTransition[Ctx any] struct {
	selector string
	delay    DelayFunc[Ctx]
	target   State
}

// AsyncWork is run on state entry; its result (or error) drives onOk /
// onFail. ctx is cancelled when the state is exited before Work
// resolves.
type AsyncWork[Ctx any] func(ctx context.Context, machineCtx Ctx) (data any, err error)

type asyncEntry[Ctx any] struct {
	selector string
	work     AsyncWork[Ctx]
	onOk     func(data any, ctx Ctx) (target State, effect func(*Patchable[Ctx]), ok bool)
	onFail   func(err error, ctx Ctx) (target State, effect func(*Patchable[Ctx]), ok bool)
}

// DidEnterEvent is delivered on DidEnterState.
type DidEnterEvent[Ctx any] struct {
	State State
	Ctx   Ctx
}

// WillTransitionEvent is delivered on WillTransition, before exit
// cleanups run.
type WillTransitionEvent struct {
	From State
	To   State
}

// Machine is a generic typed finite-state machine. Construct with New,
// register transitions/hooks, then Start it.
type Machine[Ctx any, Ev comparable] struct {
	logger *slog.Logger

	mu      sync.Mutex
	current State
	ctx     Ctx

	transitions map[string]map[Ev]transitionResult[Ctx]
	dynamic     map[string]map[Ev]TransitionFunc[Ctx, Ev]
	entries     []entryHook[Ctx]
	timed       []timedTransition[Ctx]
	async       []asyncEntry[Ctx]

	activeCleanups []Cleanup
	activeTimers   []*timerHandle
	activeCancels  []context.CancelFunc
	generation     uint64

	cmds    chan func()
	done    chan struct{}
	started bool

	DidReceiveEvent *eventsource.Source[Ev]
	WillTransition  *eventsource.Source[WillTransitionEvent]
	DidEnterState   *eventsource.Source[DidEnterEvent[Ctx]]
	DidIgnoreEvent  *eventsource.Source[Ev]
}

type timerHandle struct {
	stop func() bool
}

// New constructs a machine with the given initial state/context. The
// machine is idle until Start is called.
func New[Ctx any, Ev comparable](initial State, ctx Ctx, logger *slog.Logger) *Machine[Ctx, Ev] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine[Ctx, Ev]{
		logger:          logger,
		current:         initial,
		ctx:             ctx,
		transitions:     make(map[string]map[Ev]transitionResult[Ctx]),
		dynamic:         make(map[string]map[Ev]TransitionFunc[Ctx, Ev]),
		cmds:            make(chan func(), 16),
		done:            make(chan struct{}),
		DidReceiveEvent: eventsource.New[Ev](logger),
		WillTransition:  eventsource.New[WillTransitionEvent](logger),
		DidEnterState:   eventsource.New[DidEnterEvent[Ctx]](logger),
		DidIgnoreEvent:  eventsource.New[Ev](logger),
	}
}

// AddTransitions registers a fixed table of event -> target for the
// given selector ("@group.*", "@group.leaf", or "*"). A nil target
// (zero State) means "event ignored, no transition".
func (m *Machine[Ctx, Ev]) AddTransitions(selector string, table map[Ev]State) {
	bucket := m.transitions[selector]
	if bucket == nil {
		bucket = make(map[Ev]transitionResult[Ctx])
		m.transitions[selector] = bucket
	}
	for ev, target := range table {
		bucket[ev] = transitionResult[Ctx]{target: target, ok: target != ""}
	}
}

// AddTransitionWithEffect registers a single event->target transition
// that also runs effect during the transition (after exit cleanups,
// before entry hooks).
func (m *Machine[Ctx, Ev]) AddTransitionWithEffect(selector string, ev Ev, target State, effect func(*Patchable[Ctx])) {
	bucket := m.transitions[selector]
	if bucket == nil {
		bucket = make(map[Ev]transitionResult[Ctx])
		m.transitions[selector] = bucket
	}
	bucket[ev] = transitionResult[Ctx]{target: target, ok: true, effect: effect}
}

// AddDynamicTransition registers a computed transition for selector/ev;
// it takes precedence over a fixed transition registered for the same
// selector/ev.
func (m *Machine[Ctx, Ev]) AddDynamicTransition(selector string, ev Ev, fn TransitionFunc[Ctx, Ev]) {
	bucket := m.dynamic[selector]
	if bucket == nil {
		bucket = make(map[Ev]TransitionFunc[Ctx, Ev])
		m.dynamic[selector] = bucket
	}
	bucket[ev] = fn
}

// OnEnter registers an entry/exit effect for selector.
func (m *Machine[Ctx, Ev]) OnEnter(selector string, fn func(*Patchable[Ctx]) Cleanup) {
	m.entries = append(m.entries, entryHook[Ctx]{selector: selector, fn: fn})
}

// AddTimedTransition schedules a transition to target delayMs(ctx) after
// entry into selector, cancelled if the state is exited first.
func (m *Machine[Ctx, Ev]) AddTimedTransition(selector string, delay DelayFunc[Ctx], target State) {
	m.timed = append(m.timed, timedTransition[Ctx]{selector: selector, delay: delay, target: target})
}

// OnEnterAsync registers async entry work for selector.
func (m *Machine[Ctx, Ev]) OnEnterAsync(
	selector string,
	work AsyncWork[Ctx],
	onOk func(data any, ctx Ctx) (target State, effect func(*Patchable[Ctx]), ok bool),
	onFail func(err error, ctx Ctx) (target State, effect func(*Patchable[Ctx]), ok bool),
) {
	m.async = append(m.async, asyncEntry[Ctx]{selector: selector, work: work, onOk: onOk, onFail: onFail})
}

// CurrentState returns the machine's current state.
func (m *Machine[Ctx, Ev]) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Context returns a copy of the machine's current context.
func (m *Machine[Ctx, Ev]) Context() Ctx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

func (m *Machine[Ctx, Ev]) patchable() *Patchable[Ctx] {
	return &Patchable[Ctx]{
		get: func() Ctx {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.ctx
		},
		set: func(c Ctx) {
			m.mu.Lock()
			m.ctx = c
			m.mu.Unlock()
		},
	}
}

// Start runs the machine's command loop and performs the initial
// entry into its starting state. Must be called once.
func (m *Machine[Ctx, Ev]) Start() {
	go m.loop()
	done := make(chan struct{})
	m.cmds <- func() {
		m.enter("", m.current)
		close(done)
	}
	<-done
}

// Stop halts the command loop after running exit cleanups for the
// current state.
func (m *Machine[Ctx, Ev]) Stop() {
	done := make(chan struct{})
	select {
	case m.cmds <- func() {
		m.runExitCleanups()
		close(m.done)
		close(done)
	}:
		<-done
	case <-m.done:
	}
}

// Send delivers ev to the machine and blocks until the resulting
// synchronous effect chain (§4.3 ordering) completes.
func (m *Machine[Ctx, Ev]) Send(ev Ev) {
	done := make(chan struct{})
	select {
	case m.cmds <- func() {
		m.handle(ev)
		close(done)
	}:
		<-done
	case <-m.done:
	}
}

func (m *Machine[Ctx, Ev]) loop() {
	for {
		select {
		case cmd := <-m.cmds:
			cmd()
		case <-m.done:
			return
		}
	}
}

func (m *Machine[Ctx, Ev]) handle(ev Ev) {
	m.DidReceiveEvent.Notify(ev)

	from := m.current
	target, effect, ok := m.resolve(ev, from)
	if !ok {
		m.DidIgnoreEvent.Notify(ev)
		return
	}

	m.WillTransition.Notify(WillTransitionEvent{From: from, To: target})
	m.runExitCleanups()
	if effect != nil {
		effect(m.patchable())
	}
	m.enter(from, target)
}

// resolve finds the transition for ev in state `from`, preferring (in
// order) a dynamic leaf transition, a fixed leaf transition, a dynamic
// group transition, a fixed group transition, a dynamic wildcard
// transition, then a fixed wildcard transition.
func (m *Machine[Ctx, Ev]) resolve(ev Ev, from State) (State, func(*Patchable[Ctx]), bool) {
	group := from.Group()
	selectors := []string{string(from), group + ".*", "*"}

	for _, sel := range selectors {
		if fn, ok := m.dynamic[sel][ev]; ok {
			target, effect, ok := fn(ev, m.Context())
			if ok {
				return target, effect, true
			}
			continue
		}
		if tr, ok := m.transitions[sel][ev]; ok && tr.ok {
			return tr.target, tr.effect, true
		}
	}
	return "", nil, false
}

func (m *Machine[Ctx, Ev]) runExitCleanups() {
	for _, th := range m.activeTimers {
		th.stop()
	}
	m.activeTimers = nil
	for _, cancel := range m.activeCancels {
		cancel()
	}
	m.activeCancels = nil
	m.generation++
	for i := len(m.activeCleanups) - 1; i >= 0; i-- {
		m.activeCleanups[i]()
	}
	m.activeCleanups = nil
}

// enter runs entry hooks (outermost/group-first, then leaf) for the
// transition from -> to, starts any timed/async work, then notifies
// DidEnterState. from == "" marks the initial entry (no prior state).
func (m *Machine[Ctx, Ev]) enter(from State, to State) {
	m.mu.Lock()
	m.current = to
	m.mu.Unlock()

	group := to.Group()
	// Outermost to innermost: global wildcard, group wildcard, leaf.
	// Entry hooks run in this order regardless of registration order so
	// the paired exit cleanups (run LIFO) unwind leaf-first.
	selectors := []string{"*", group + ".*", string(to)}

	for _, sel := range selectors {
		for _, hook := range m.entries {
			if hook.selector != sel {
				continue
			}
			if cleanup := hook.fn(m.patchable()); cleanup != nil {
				m.activeCleanups = append(m.activeCleanups, cleanup)
			}
		}
	}

	for _, tt := range m.timed {
		if !matchesAny(tt.selector, selectors) {
			continue
		}
		m.startTimer(tt, to)
	}

	for _, ae := range m.async {
		if !matchesAny(ae.selector, selectors) {
			continue
		}
		m.startAsync(ae)
	}

	m.DidEnterState.Notify(DidEnterEvent[Ctx]{State: to, Ctx: m.Context()})
}

// fireDirectTransition runs the transition pipeline (steps 2-7 of the
// ordering guarantee; there is no originating Ev so step 1 is skipped)
// for a timed transition or an async entry's resolved target.
func (m *Machine[Ctx, Ev]) fireDirectTransition(target State, effect func(*Patchable[Ctx])) {
	from := m.current
	m.WillTransition.Notify(WillTransitionEvent{From: from, To: target})
	m.runExitCleanups()
	if effect != nil {
		effect(m.patchable())
	}
	m.enter(from, target)
}

func matchesAny(selector string, selectors []string) bool {
	for _, s := range selectors {
		if s == selector {
			return true
		}
	}
	return false
}
