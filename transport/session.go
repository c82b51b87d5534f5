// Package transport provides the two concrete Session implementations
// (Datagram over a WebSocket, Stream over a framed byte connection) that
// a presence.ConnectionManager drives through one uniform event surface.
package transport

import (
	"fmt"

	"github.com/nugget/presence-client/eventsource"
)

// ReadyState mirrors a WebSocket's readyState values.
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("ReadyState(%d)", int(s))
	}
}

// CloseEvent is delivered on a Session's Close stream.
type CloseEvent struct {
	Code   int
	Reason string
}

// Session is the uniform transport surface both Datagram and Stream
// satisfy. The four event streams never fire concurrently with each
// other for a given Session (each implementation serializes its own
// read pump), but callers must not assume delivery happens on any
// particular goroutine.
type Session interface {
	ReadyState() ReadyState

	Open() *eventsource.Source[struct{}]
	Close() *eventsource.Source[CloseEvent]
	Error() *eventsource.Source[error]
	Message() *eventsource.Source[[]byte]

	// Send writes one frame. Safe to call from any goroutine.
	Send(b []byte) error

	// CloseSession tears the session down. Idempotent.
	CloseSession() error
}
