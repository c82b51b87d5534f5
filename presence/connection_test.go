package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/presence-client/transport"
)

const testTimeout = 2 * time.Second

func TestConnectionManagerHappyPath(t *testing.T) {
	sess := newFakeSession()
	delegates := Delegates{
		Authenticate: func(ctx context.Context) (string, error) {
			return "tok-123", nil
		},
		MakeTransport: func(ctx context.Context, url, authValue string) (transport.Session, error) {
			if authValue != "tok-123" {
				t.Fatalf("MakeTransport got authValue %q, want tok-123", authValue)
			}
			sess.fireOpen()
			return sess, nil
		},
	}

	m := NewConnectionManager("wss://example.test/socket", delegates, nil, nil)
	defer m.Stop()

	m.Connect()
	waitForState(t, m, StateOKConnected, testTimeout)

	if err := m.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := sess.sentFrames(); len(got) != 1 || string(got[0]) != "hello" {
		t.Fatalf("sentFrames = %v, want [hello]", got)
	}
}

func TestConnectionManagerAuthStopRetrying(t *testing.T) {
	delegates := Delegates{
		Authenticate: func(ctx context.Context) (string, error) {
			return "", ErrStopRetrying
		},
		MakeTransport: func(ctx context.Context, url, authValue string) (transport.Session, error) {
			t.Fatal("MakeTransport should not be called when auth refuses")
			return nil, nil
		},
	}

	m := NewConnectionManager("wss://example.test/socket", delegates, nil, nil)
	defer m.Stop()

	m.Connect()
	waitForState(t, m, StateIdleFailed, testTimeout)
}

func TestConnectionManagerAuthTransientFailureBacksOff(t *testing.T) {
	calls := 0
	delegates := Delegates{
		Authenticate: func(ctx context.Context) (string, error) {
			calls++
			return "", errors.New("temporary auth outage")
		},
		MakeTransport: func(ctx context.Context, url, authValue string) (transport.Session, error) {
			t.Fatal("MakeTransport should not be called before auth succeeds")
			return nil, nil
		},
	}

	m := NewConnectionManager("wss://example.test/socket", delegates, nil, nil)
	defer m.Stop()

	m.Connect()
	waitForState(t, m, StateAuthBackoff, testTimeout)

	if calls != 1 {
		t.Fatalf("Authenticate called %d times, want 1", calls)
	}
	if got := m.machine.Context().backoffDelay; got != normalTiers[0] {
		t.Fatalf("backoffDelay = %s, want %s", got, normalTiers[0])
	}
}

func TestConnectionManagerTransportCloseBeforeOpenFails(t *testing.T) {
	delegates := Delegates{
		Authenticate: func(ctx context.Context) (string, error) {
			return "tok", nil
		},
		MakeTransport: func(ctx context.Context, url, authValue string) (transport.Session, error) {
			sess := newFakeSession()
			sess.fireClose(1006, "econnrefused")
			return sess, nil
		},
	}

	m := NewConnectionManager("wss://example.test/socket", delegates, nil, nil)
	defer m.Stop()

	m.Connect()
	waitForState(t, m, StateIdleFailed, testTimeout)
}

// TestConnectionManagerOpenThenImmediateCloseFails covers the case where
// a close event arrives on the session immediately after Open, once
// openTransport has already subscribed but before its select has
// consumed the Open outcome. Open winning that race must not make the
// manager treat the session as live: the close has to still fail the
// attempt.
func TestConnectionManagerOpenThenImmediateCloseFails(t *testing.T) {
	delegates := Delegates{
		Authenticate: func(ctx context.Context) (string, error) {
			return "tok", nil
		},
		MakeTransport: func(ctx context.Context, url, authValue string) (transport.Session, error) {
			sess := newFakeSession()
			go func() {
				time.Sleep(5 * time.Millisecond)
				sess.fireOpen()
				sess.fireClose(1006, "econnrefused")
			}()
			return sess, nil
		},
	}

	m := NewConnectionManager("wss://example.test/socket", delegates, nil, nil)
	defer m.Stop()

	m.Connect()
	waitForState(t, m, StateIdleFailed, testTimeout)
}

func TestConnectionManagerServerCloseInOKBacksOffToConnecting(t *testing.T) {
	sess := newFakeSession()
	attempt := 0
	delegates := Delegates{
		Authenticate: func(ctx context.Context) (string, error) {
			return "tok", nil
		},
		MakeTransport: func(ctx context.Context, url, authValue string) (transport.Session, error) {
			attempt++
			if attempt == 1 {
				sess.fireOpen()
				return sess, nil
			}
			// Second attempt (after the server-initiated close below)
			// never resolves within the test; that's fine, we only
			// assert the manager reached the backoff state.
			second := newFakeSession()
			return second, nil
		},
	}

	m := NewConnectionManager("wss://example.test/socket", delegates, nil, nil)
	defer m.Stop()

	m.Connect()
	waitForState(t, m, StateOKConnected, testTimeout)

	sess.fireClose(1000, "server restart")
	waitForState(t, m, StateConnectingBackoff, testTimeout)
}

func TestConnectionManagerDisconnectFromOKClosesTransport(t *testing.T) {
	sess := newFakeSession()
	delegates := Delegates{
		Authenticate: func(ctx context.Context) (string, error) {
			return "tok", nil
		},
		MakeTransport: func(ctx context.Context, url, authValue string) (transport.Session, error) {
			sess.fireOpen()
			return sess, nil
		},
	}

	m := NewConnectionManager("wss://example.test/socket", delegates, nil, nil)
	defer m.Stop()

	m.Connect()
	waitForState(t, m, StateOKConnected, testTimeout)

	m.Disconnect()
	waitForState(t, m, StateIdleInitial, testTimeout)

	if sess.ReadyState() != transport.Closed {
		t.Fatalf("transport ReadyState = %s, want closed after Disconnect", sess.ReadyState())
	}
	if err := m.Send([]byte("x")); err == nil {
		t.Fatal("Send after Disconnect should error")
	}
}
