package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/nugget/presence-client/eventsource"
)

// Datagram is a Session backed by a *websocket.Conn. Grounded on the
// teacher's homeassistant.WSClient: dial, read auth_required-style
// handshake bytes are the caller's concern (via the presence package's
// Authenticate delegate), not this type's — Datagram itself only owns
// the socket and its read pump.
type Datagram struct {
	conn   *websocket.Conn
	logger *slog.Logger

	state atomic.Int32

	mu            sync.Mutex
	openFired     bool
	terminalFired bool

	writeMu sync.Mutex

	openSrc    *eventsource.Source[struct{}]
	closeSrc   *eventsource.Source[CloseEvent]
	errorSrc   *eventsource.Source[error]
	messageSrc *eventsource.Source[[]byte]
}

// DialDatagram opens a WebSocket connection to rawURL and starts the
// read pump. The read pump runs concurrently with the rest of this
// function, so a connection that closes or errors immediately can race
// the Open dispatch below — tryOpen and the terminal-event helpers
// share the terminalFired/openFired guard so whichever fires first
// wins and Open is never dispatched after a premature close or error.
func DialDatagram(ctx context.Context, rawURL string, header map[string][]string, logger *slog.Logger) (*Datagram, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse transport URL: %w", err)
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	d := &Datagram{
		conn:       conn,
		logger:     logger,
		openSrc:    eventsource.New[struct{}](logger),
		closeSrc:   eventsource.New[CloseEvent](logger),
		errorSrc:   eventsource.New[error](logger),
		messageSrc: eventsource.New[[]byte](logger),
	}
	d.state.Store(int32(Connecting))

	go d.readPump()
	d.tryOpen()

	return d, nil
}

func (d *Datagram) ReadyState() ReadyState { return ReadyState(d.state.Load()) }

func (d *Datagram) Open() *eventsource.Source[struct{}]    { return d.openSrc }
func (d *Datagram) Close() *eventsource.Source[CloseEvent] { return d.closeSrc }
func (d *Datagram) Error() *eventsource.Source[error]      { return d.errorSrc }
func (d *Datagram) Message() *eventsource.Source[[]byte]   { return d.messageSrc }

func (d *Datagram) Send(b []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.WriteMessage(websocket.BinaryMessage, b)
}

// CloseSession clears subscriber lists before closing the socket so a
// concurrent read-pump event cannot redeliver to a consumer mid-teardown.
func (d *Datagram) CloseSession() error {
	d.mu.Lock()
	d.terminalFired = true
	d.mu.Unlock()

	d.state.Store(int32(Closing))
	d.closeSrc.Clear()
	d.errorSrc.Clear()
	d.messageSrc.Clear()
	d.openSrc.Clear()
	err := d.conn.Close()
	d.state.Store(int32(Closed))
	return err
}

// tryOpen dispatches Open unless a terminal event (close or error) has
// already fired, in which case Open is permanently suppressed.
func (d *Datagram) tryOpen() {
	d.mu.Lock()
	if d.terminalFired || d.openFired {
		d.mu.Unlock()
		return
	}
	d.openFired = true
	d.mu.Unlock()

	d.state.Store(int32(Open))
	d.openSrc.Notify(struct{}{})
}

// tryTerminal fires exactly once across close and error; whichever of
// readPump's two exit paths (or a concurrent CloseSession) gets here
// first wins and suppresses everything after it, including a not-yet-
// dispatched Open.
func (d *Datagram) tryTerminal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminalFired {
		return false
	}
	d.terminalFired = true
	return true
}

// readPump dispatches Message for every inbound frame and terminates on
// a graceful close or a read error, dispatching Close or Error exactly
// once (and never Open, if it races ahead of tryOpen above).
func (d *Datagram) readPump() {
	for {
		msgType, data, err := d.conn.ReadMessage()
		if err != nil {
			d.state.Store(int32(Closed))
			if !d.tryTerminal() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				code, reason := 0, ""
				if ce, ok := err.(*websocket.CloseError); ok {
					code, reason = ce.Code, ce.Text
				}
				d.closeSrc.Notify(CloseEvent{Code: code, Reason: reason})
				return
			}
			d.errorSrc.Notify(err)
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		d.messageSrc.Notify(data)
	}
}
