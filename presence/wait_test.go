package presence

import (
	"testing"
	"time"

	"github.com/nugget/presence-client/fsm"
)

// waitForState blocks until m reports state, or fails the test after
// timeout. Async entries (auth, transport dial) resolve on their own
// goroutine, so tests can't assert state synchronously after Connect().
func waitForState(t *testing.T, m *ConnectionManager, want fsm.State, timeout time.Duration) {
	t.Helper()

	if m.CurrentState() == want {
		return
	}

	reached := make(chan struct{})
	unsub := m.StatusDidChange.Subscribe(func(s fsm.State) {
		if s == want {
			select {
			case <-reached:
			default:
				close(reached)
			}
		}
	})
	defer unsub()

	if m.CurrentState() == want {
		return
	}

	select {
	case <-reached:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for state %s (current: %s)", want, m.CurrentState())
	}
}
