package fsm

import "time"

// startTimer arms a single-fire timer for a timed transition entered
// into state `to`. The timer is recorded so runExitCleanups can cancel
// it, and the fire itself re-enters the command loop (so it competes
// fairly with Send calls and other timers rather than running
// concurrently with them) and is generation-checked so a timer that
// raced a state exit is a no-op rather than a stale transition.
func (m *Machine[Ctx, Ev]) startTimer(tt timedTransition[Ctx], to State) {
	gen := m.generation
	delayMs := tt.delay(m.Context())
	delay := time.Duration(delayMs) * time.Millisecond

	t := time.AfterFunc(delay, func() {
		select {
		case m.cmds <- func() {
			if m.generation != gen || m.current != to {
				return
			}
			m.fireDirectTransition(tt.target, nil)
		}:
		case <-m.done:
		}
	})
	m.activeTimers = append(m.activeTimers, &timerHandle{stop: t.Stop})
}
