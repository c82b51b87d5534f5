package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/presence-client/eventsource"
	"github.com/nugget/presence-client/fsm"
	"github.com/nugget/presence-client/transport"
)

// Event is the ConnectionManager's externally- and internally-raised
// event type. Auth/transport success and failure are not events — they
// are resolved directly by the async entries' onOk/onFail callbacks, per
// fsm's design (see fsm.OnEnterAsync).
type Event string

const (
	EventConnect             Event = "CONNECT"
	EventDisconnect          Event = "DISCONNECT"
	EventReconnect           Event = "RECONNECT"
	EventNavigatorOnline     Event = "NAVIGATOR_ONLINE"
	EventNavigatorOffline    Event = "NAVIGATOR_OFFLINE"
	EventWindowGotFocus      Event = "WINDOW_GOT_FOCUS"
	EventExplicitSocketError Event = "EXPLICIT_SOCKET_ERROR"
	EventExplicitSocketClose Event = "EXPLICIT_SOCKET_CLOSE"
	EventLogout              Event = "LOGOUT"
)

const (
	StateIdleInitial      fsm.State = "@idle.initial"
	StateIdleFailed       fsm.State = "@idle.failed"
	StateIdleZombie       fsm.State = "@idle.zombie"
	StateAuthBusy         fsm.State = "@auth.busy"
	StateAuthBackoff      fsm.State = "@auth.backoff"
	StateConnectingBusy   fsm.State = "@connecting.busy"
	StateConnectingBackoff fsm.State = "@connecting.backoff"
	StateOKConnected      fsm.State = "@ok.connected"
	StateOKAwaitingPong   fsm.State = "@ok.awaiting-pong"
)

const (
	authTimeout      = 10 * time.Second
	transportTimeout = 10 * time.Second
)

// closeFailure carries a transport close's code/reason through the
// connecting.busy async entry's onFail path.
type closeFailure struct {
	Code   int
	Reason string
}

func (f closeFailure) Error() string {
	return fmt.Sprintf("transport closed before open (code=%d reason=%q)", f.Code, f.Reason)
}

// ConnectionManager drives the nine-state connection FSM described in
// SPEC_FULL.md §4.5. It owns exactly one transport.Session at a time,
// created and destroyed by delegates supplied at construction.
type ConnectionManager struct {
	machine     *fsm.Machine[connContext, Event]
	delegates   Delegates
	url         string
	logger      *slog.Logger
	hostSignals HostSignals
	stopSignals context.CancelFunc
	signalGroup *errgroup.Group

	// StatusDidChange mirrors fsm's DidEnterState, narrowed to the state
	// alone, for callers that don't need the full context.
	StatusDidChange *eventsource.Source[fsm.State]

	// Incoming carries every inbound frame while the manager is in the
	// OK group. It is paused outside OK and on entry is unpaused by a
	// 0-delay timer, so frames that arrive during entry are delivered
	// only after the StatusDidChange("@ok.connected") subscribers (such
	// as the Client's queue flush) have run.
	Incoming *eventsource.Source[[]byte]
}

// NewConnectionManager constructs and starts a ConnectionManager. url is
// the transport endpoint (query parameters already appended by caller).
func NewConnectionManager(url string, delegates Delegates, hostSignals HostSignals, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if hostSignals == nil {
		hostSignals = NoHostSignals{}
	}

	incoming := eventsource.New[[]byte](logger)
	incoming.Pause()

	m := &ConnectionManager{
		delegates:       delegates,
		url:             url,
		logger:          logger,
		hostSignals:     hostSignals,
		StatusDidChange: eventsource.New[fsm.State](logger),
		Incoming:        incoming,
	}

	initial := connContext{
		backoffDelay: resetDelay(normalLadder),
	}
	m.machine = fsm.New[connContext, Event](StateIdleInitial, initial, logger)
	m.wireTransitions()

	m.machine.DidEnterState.Subscribe(func(ev fsm.DidEnterEvent[connContext]) {
		m.StatusDidChange.Notify(ev.State)
	})

	m.machine.Start()

	ctx, cancel := context.WithCancel(context.Background())
	m.stopSignals = cancel
	g, gctx := errgroup.WithContext(ctx)
	m.signalGroup = g
	g.Go(func() error {
		m.listenHostSignals(gctx)
		return nil
	})

	return m
}

// Connect requests the manager move from an idle state toward OK.
func (m *ConnectionManager) Connect() { m.machine.Send(EventConnect) }

// Disconnect requests an immediate return to @idle.initial.
func (m *ConnectionManager) Disconnect() { m.machine.Send(EventDisconnect) }

// Reconnect forces a fresh backoff cycle from any state.
func (m *ConnectionManager) Reconnect() { m.machine.Send(EventReconnect) }

// Logout purges the stored credential and reconnects, forcing
// AuthenticateFunc to run again before the transport is redialed.
func (m *ConnectionManager) Logout() {
	m.machine.Send(EventLogout)
	m.Connect()
}

// CurrentState returns the manager's current FSM state.
func (m *ConnectionManager) CurrentState() fsm.State { return m.machine.CurrentState() }

// Send writes b through the current transport, if the manager is in
// the OK group.
func (m *ConnectionManager) Send(b []byte) error {
	c := m.machine.Context()
	if c.transport == nil {
		return errors.New("presence: not connected")
	}
	return c.transport.Send(b)
}

// Stop halts the manager's FSM and waits for the host-signal listener
// to exit before returning.
func (m *ConnectionManager) Stop() {
	m.stopSignals()
	m.signalGroup.Wait()
	m.machine.Stop()
}

func (m *ConnectionManager) listenHostSignals(ctx context.Context) {
	online := m.hostSignals.Online()
	offline := m.hostSignals.Offline()
	focus := m.hostSignals.Foreground()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-online:
			if ok {
				m.machine.Send(EventNavigatorOnline)
			}
		case _, ok := <-offline:
			if ok {
				m.machine.Send(EventNavigatorOffline)
			}
		case _, ok := <-focus:
			if ok {
				m.machine.Send(EventWindowGotFocus)
			}
		}
	}
}

func (m *ConnectionManager) wireTransitions() {
	mach := m.machine

	// Wildcard transitions: reconnect always restarts the backoff cycle
	// from auth; disconnect always returns to idle.
	mach.AddTransitionWithEffect("*", EventReconnect, StateAuthBackoff, func(p *fsm.Patchable[connContext]) {
		p.Patch(func(c *connContext) {
			c.successCount = 0
			c.backoffDelay = advanceBackoff(c.backoffTier, c.backoffDelay)
		})
	})
	mach.AddTransitions("*", map[Event]fsm.State{EventDisconnect: StateIdleInitial})
	mach.AddTransitionWithEffect("*", EventLogout, StateIdleInitial, func(p *fsm.Patchable[connContext]) {
		p.Patch(func(c *connContext) { c.authValue = "" })
	})

	// Idle group.
	mach.OnEnter("@idle.*", func(p *fsm.Patchable[connContext]) fsm.Cleanup {
		p.Patch(func(c *connContext) { c.successCount = 0 })
		return nil
	})
	mach.AddDynamicTransition("@idle.*", EventConnect, func(ev Event, c connContext) (fsm.State, func(*fsm.Patchable[connContext]), bool) {
		if c.authValue != "" {
			return StateConnectingBusy, nil, true
		}
		return StateAuthBusy, nil, true
	})

	// Auth group.
	mach.AddTimedTransition("@auth.backoff", func(c connContext) int64 {
		return c.backoffDelay.Milliseconds()
	}, StateAuthBusy)
	mach.AddTransitionWithEffect("@auth.backoff", EventNavigatorOnline, StateAuthBusy, func(p *fsm.Patchable[connContext]) {
		p.Patch(func(c *connContext) { c.backoffDelay = resetDelay(c.backoffTier) })
	})

	mach.OnEnterAsync("@auth.busy",
		func(ctx context.Context, c connContext) (any, error) {
			actx, cancel := context.WithTimeout(ctx, authTimeout)
			defer cancel()
			return m.delegates.Authenticate(actx)
		},
		func(data any, c connContext) (fsm.State, func(*fsm.Patchable[connContext]), bool) {
			token, _ := data.(string)
			return StateConnectingBusy, func(p *fsm.Patchable[connContext]) {
				p.Patch(func(c *connContext) { c.authValue = token })
			}, true
		},
		func(err error, c connContext) (fsm.State, func(*fsm.Patchable[connContext]), bool) {
			if errors.Is(err, ErrStopRetrying) {
				return StateIdleFailed, nil, true
			}
			return StateAuthBackoff, func(p *fsm.Patchable[connContext]) {
				p.Patch(func(c *connContext) { c.backoffDelay = advanceBackoff(c.backoffTier, c.backoffDelay) })
			}, true
		},
	)

	// Connecting group.
	mach.AddTimedTransition("@connecting.backoff", func(c connContext) int64 {
		return c.backoffDelay.Milliseconds()
	}, StateConnectingBusy)
	mach.AddTransitionWithEffect("@connecting.backoff", EventNavigatorOnline, StateConnectingBusy, func(p *fsm.Patchable[connContext]) {
		p.Patch(func(c *connContext) { c.backoffDelay = resetDelay(c.backoffTier) })
	})

	mach.OnEnterAsync("@connecting.busy",
		func(ctx context.Context, c connContext) (any, error) {
			tctx, cancel := context.WithTimeout(ctx, transportTimeout)
			defer cancel()
			return m.openTransport(tctx, c)
		},
		func(data any, c connContext) (fsm.State, func(*fsm.Patchable[connContext]), bool) {
			sess, _ := data.(transport.Session)
			return StateOKConnected, func(p *fsm.Patchable[connContext]) {
				p.Patch(func(c *connContext) {
					c.transport = sess
					c.backoffDelay = resetDelay(c.backoffTier)
				})
			}, true
		},
		func(err error, c connContext) (fsm.State, func(*fsm.Patchable[connContext]), bool) {
			if errors.Is(err, ErrStopRetrying) {
				return StateIdleFailed, nil, true
			}
			var cf closeFailure
			if errors.As(err, &cf) {
				return StateIdleFailed, nil, true
			}
			return StateAuthBackoff, func(p *fsm.Patchable[connContext]) {
				p.Patch(func(c *connContext) { c.backoffDelay = advanceBackoff(c.backoffTier, c.backoffDelay) })
			}, true
		},
	)

	// OK group.
	mach.OnEnter("@ok.*", func(p *fsm.Patchable[connContext]) fsm.Cleanup {
		p.Patch(func(c *connContext) { c.successCount++ })

		c := p.Get()
		sess := c.transport
		var unsubMsg, unsubErr, unsubClose func()
		if sess != nil {
			unsubMsg = sess.Message().Subscribe(func(b []byte) { m.Incoming.Notify(b) })
			unsubErr = sess.Error().Subscribe(func(error) { mach.Send(EventExplicitSocketError) })
			unsubClose = sess.Close().Subscribe(func(transport.CloseEvent) { mach.Send(EventExplicitSocketClose) })
		}

		timer := time.AfterFunc(0, func() { m.Incoming.Unpause() })

		return func() {
			timer.Stop()
			m.Incoming.Pause()
			if unsubMsg != nil {
				unsubMsg()
			}
			if unsubErr != nil {
				unsubErr()
			}
			if unsubClose != nil {
				unsubClose()
			}
			if sess != nil {
				sess.CloseSession()
			}
			p.Patch(func(c *connContext) { c.transport = nil })
		}
	})

	mach.AddDynamicTransition("@ok.*", EventExplicitSocketError, func(ev Event, c connContext) (fsm.State, func(*fsm.Patchable[connContext]), bool) {
		if c.transport != nil && c.transport.ReadyState() == transport.Open {
			return "", nil, false
		}
		return StateConnectingBackoff, func(p *fsm.Patchable[connContext]) {
			p.Patch(func(c *connContext) { c.backoffDelay = advanceBackoff(c.backoffTier, c.backoffDelay) })
		}, true
	})
	mach.AddTransitionWithEffect("@ok.*", EventExplicitSocketClose, StateConnectingBackoff, func(p *fsm.Patchable[connContext]) {
		p.Patch(func(c *connContext) { c.backoffDelay = advanceBackoff(c.backoffTier, c.backoffDelay) })
	})

	// Zombie: reachable only from a (currently disabled) heartbeat path
	// inside the OK group; kept wired because SPEC_FULL.md §9 calls for
	// it to stay reachable even though nothing schedules entry today.
	mach.AddTransitions("@idle.zombie", map[Event]fsm.State{EventWindowGotFocus: StateConnectingBackoff})
}

// openTransport resolves once the new session's Open event fires (or is
// permanently suppressed by a premature close/error). The temporary
// subscribers are attached before the ReadyState check so a close/error
// that fires concurrently with MakeTransport returning is still caught.
//
// Open winning the race to resultCh is not enough to declare success: a
// terminal event can fire on its own goroutine a few instructions after
// Open's callback runs, and the once-gated resultCh send only ever
// delivers the first outcome. terminal is recorded independently of that
// once, so after the select resolves via Open we can still notice a
// close/error that arrived (or was already queued) alongside it.
func (m *ConnectionManager) openTransport(ctx context.Context, c connContext) (transport.Session, error) {
	sess, err := m.delegates.MakeTransport(ctx, m.url, c.authValue)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		err error
	}
	resultCh := make(chan outcome, 1)
	var once sync.Once
	signal := func(o outcome) {
		once.Do(func() { resultCh <- o })
	}

	var termMu sync.Mutex
	var terminal *outcome
	recordTerminal := func(o outcome) {
		termMu.Lock()
		if terminal == nil {
			terminal = &o
		}
		termMu.Unlock()
		signal(o)
	}

	unOpen := sess.Open().Subscribe(func(struct{}) { signal(outcome{}) })
	unClose := sess.Close().Subscribe(func(ev transport.CloseEvent) {
		recordTerminal(outcome{err: closeFailure{Code: ev.Code, Reason: ev.Reason}})
	})
	unErr := sess.Error().Subscribe(func(err error) { recordTerminal(outcome{err: err}) })
	defer unOpen()
	defer unClose()
	defer unErr()

	switch sess.ReadyState() {
	case transport.Open:
		signal(outcome{})
	case transport.Closed:
		recordTerminal(outcome{err: closeFailure{}})
	}

	select {
	case o := <-resultCh:
		if o.err == nil {
			termMu.Lock()
			t := terminal
			termMu.Unlock()
			if t != nil {
				o = *t
			}
		}
		if o.err != nil {
			sess.CloseSession()
			return nil, o.err
		}
		return sess, nil
	case <-ctx.Done():
		sess.CloseSession()
		return nil, ctx.Err()
	}
}
