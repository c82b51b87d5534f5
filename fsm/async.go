package fsm

import "context"

// startAsync launches an async entry's work on its own goroutine. The
// goroutine itself never touches machine state directly — it only
// computes a result and hands the continuation back to the command
// loop, where a stale generation (the state having since been exited)
// makes it a no-op: neither onOk nor onFail is called and the result is
// dropped, so anything the work opened is released only if the work
// itself does so when its ctx is cancelled.
func (m *Machine[Ctx, Ev]) startAsync(ae asyncEntry[Ctx]) {
	gen := m.generation
	cancelCtx, cancel := context.WithCancel(context.Background())
	m.activeCancels = append(m.activeCancels, cancel)

	machineCtx := m.Context()

	go func() {
		data, err := ae.work(cancelCtx, machineCtx)

		select {
		case m.cmds <- func() {
			if m.generation != gen {
				return
			}
			var (
				target State
				effect func(*Patchable[Ctx])
				ok     bool
			)
			if err != nil {
				if ae.onFail != nil {
					target, effect, ok = ae.onFail(err, m.Context())
				}
			} else {
				if ae.onOk != nil {
					target, effect, ok = ae.onOk(data, m.Context())
				}
			}
			if ok {
				m.fireDirectTransition(target, effect)
			}
		}:
		case <-m.done:
		}
	}()
}
