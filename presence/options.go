// Package presence implements the browser presence client's connection
// lifecycle: a nine-state ConnectionManager built on package fsm, and a
// Client/Channel multiplexer on top of it that joins channels, queues
// outbound frames, and dispatches inbound ones.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/presence-client/transport"
)

// Options configures a Client. Bounds are enforced by Validate, called
// from NewClient — configuration errors fail synchronously, before any
// FSM or transport work starts.
type Options struct {
	// URL is the transport endpoint; NewClient appends PublicKey and UID
	// as the publickey and id query parameters before handing the URL to
	// the MakeTransport delegate.
	URL       string
	PublicKey string
	UID       string

	// Throttle must lie in [16ms, 1000ms] (default 100ms). Validate
	// checks it, but the Client does not read it: queued frames are
	// flushed as soon as they are enqueued while connected.
	Throttle time.Duration

	// LostConnectionTimeout must lie in [200ms, 30000ms] (1s or more
	// recommended, default 5000ms). Validate checks it, but the
	// ConnectionManager does not read it and has no lost-connection
	// timer.
	LostConnectionTimeout time.Duration

	// BackgroundKeepAliveTimeout, if nonzero, must be >= 15000ms.
	BackgroundKeepAliveTimeout time.Duration

	Logger *slog.Logger
}

const (
	minThrottle = 16 * time.Millisecond
	maxThrottle = 1000 * time.Millisecond

	minLostConnectionTimeout = 200 * time.Millisecond
	maxLostConnectionTimeout = 30000 * time.Millisecond

	minBackgroundKeepAliveTimeout = 15000 * time.Millisecond
)

// Validate applies defaults for zero-value fields and checks bounds.
func (o *Options) Validate() error {
	if o.URL == "" {
		return errors.New("presence: Options.URL is required")
	}
	if o.UID == "" {
		o.UID = uuid.NewString()
	}
	if o.Throttle == 0 {
		o.Throttle = 100 * time.Millisecond
	}
	if o.Throttle < minThrottle || o.Throttle > maxThrottle {
		return fmt.Errorf("presence: Throttle %s out of range [%s, %s]", o.Throttle, minThrottle, maxThrottle)
	}
	if o.LostConnectionTimeout == 0 {
		o.LostConnectionTimeout = 5000 * time.Millisecond
	}
	if o.LostConnectionTimeout < minLostConnectionTimeout || o.LostConnectionTimeout > maxLostConnectionTimeout {
		return fmt.Errorf("presence: LostConnectionTimeout %s out of range [%s, %s]", o.LostConnectionTimeout, minLostConnectionTimeout, maxLostConnectionTimeout)
	}
	if o.BackgroundKeepAliveTimeout != 0 && o.BackgroundKeepAliveTimeout < minBackgroundKeepAliveTimeout {
		return fmt.Errorf("presence: BackgroundKeepAliveTimeout %s must be >= %s", o.BackgroundKeepAliveTimeout, minBackgroundKeepAliveTimeout)
	}
	return nil
}

// ErrStopRetrying is returned by an AuthenticateFunc or MakeTransportFunc
// to signal the manager should give up entirely (e.g. the server
// rejected the credentials) rather than keep backing off and retrying.
var ErrStopRetrying = errors.New("presence: stop retrying")

// AuthenticateFunc produces a fresh auth value (token, signed request,
// etc.) for the transport URL. Returning ErrStopRetrying (or an error
// wrapping it) moves the manager straight to its terminal failed state.
type AuthenticateFunc func(ctx context.Context) (string, error)

// MakeTransportFunc opens a transport.Session authenticated with
// authValue. The returned Session's Open event must fire for the
// connect attempt to count as successful.
type MakeTransportFunc func(ctx context.Context, url, authValue string) (transport.Session, error)

// Delegates bundles the two operations a ConnectionManager cannot do
// itself — they are necessarily application-specific.
type Delegates struct {
	Authenticate AuthenticateFunc
	MakeTransport MakeTransportFunc
}

// HostSignals abstracts the host facilities spec.md's browser client
// listens to directly (navigator.onLine, the online/offline DOM
// events, document visibilitychange). A CLI or daemon caller implements
// this over OS facilities — e.g. a connwatch-style periodic reachability
// probe for Online/Offline, and SIGCONT/SIGHUP or no-op channels for
// Foreground if there is no concept of window focus.
type HostSignals interface {
	Online() <-chan struct{}
	Offline() <-chan struct{}
	Foreground() <-chan struct{}
}

// NoHostSignals is a HostSignals that never fires; embed it or use it
// directly when the host has no reachability/focus facility to offer.
type NoHostSignals struct{}

func (NoHostSignals) Online() <-chan struct{}     { return nil }
func (NoHostSignals) Offline() <-chan struct{}    { return nil }
func (NoHostSignals) Foreground() <-chan struct{} { return nil }
