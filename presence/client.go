package presence

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/nugget/presence-client/fsm"
	"github.com/nugget/presence-client/internal/telemetry"
)

// Client is the top-level presence handle: one ConnectionManager, a
// registry of joined Channels, and the outbound send queue that feeds
// the manager's transport once it reaches the OK group.
type Client struct {
	opts      Options
	logger    *slog.Logger
	telemetry *telemetry.Registry
	conn      *ConnectionManager

	mu       sync.Mutex
	channels map[string]*Channel

	queueMu sync.Mutex
	queue   []envelope
}

// NewClient validates opts, builds the transport URL, and starts
// exactly one ConnectionManager.
func NewClient(opts Options, delegates Delegates, hostSignals HostSignals) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		opts:     opts,
		logger:   logger,
		channels: make(map[string]*Channel),
	}

	c.conn = NewConnectionManager(buildURL(opts), delegates, hostSignals, logger)
	c.conn.StatusDidChange.Subscribe(c.onStatusChange)
	c.conn.Incoming.Subscribe(c.onIncoming)

	return c, nil
}

// SetTelemetry attaches a metrics registry; nil detaches it. Safe to
// call at any time.
func (c *Client) SetTelemetry(reg *telemetry.Registry) {
	c.mu.Lock()
	c.telemetry = reg
	c.mu.Unlock()
}

func buildURL(opts Options) string {
	u, err := url.Parse(opts.URL)
	if err != nil {
		// Options.Validate already required a non-empty URL; a parse
		// failure here means the caller handed us something invalid
		// after the fact. Fall back to the raw string plus a literal
		// query so callers still get a deterministic value to debug.
		return fmt.Sprintf("%s?publickey=%s&id=%s", opts.URL, url.QueryEscape(opts.PublicKey), url.QueryEscape(opts.UID))
	}
	q := u.Query()
	q.Set("publickey", opts.PublicKey)
	q.Set("id", opts.UID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect starts the connection lifecycle.
func (c *Client) Connect() { c.conn.Connect() }

// Join creates (or adds a lease to) the channel named id and returns it
// along with a Leave func to release this caller's lease.
func (c *Client) Join(channelID string) (*Channel, func()) {
	c.mu.Lock()
	ch, exists := c.channels[channelID]
	isNew := !exists
	if isNew {
		ch = newChannel(channelID, c, c.logger)
		c.channels[channelID] = ch
	}
	c.mu.Unlock()

	leave := ch.addLease()

	if isNew {
		c.enqueue(envelope{T: "control", Op: "channel_join", C: channelID})
	}

	return ch, leave
}

// GetChannel returns an already-joined channel without adding a lease.
func (c *Client) GetChannel(id string) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// Logout drops every joined channel, purges the stored credential, and
// reconnects so the next connection attempt re-authenticates from
// scratch rather than reusing the stale value.
func (c *Client) Logout() {
	c.conn.Logout()
	c.mu.Lock()
	c.channels = make(map[string]*Channel)
	c.mu.Unlock()
	c.queueMu.Lock()
	c.queue = nil
	c.queueMu.Unlock()
}

// Stop tears the client and its ConnectionManager down entirely.
func (c *Client) Stop() { c.conn.Stop() }

func (c *Client) release(ch *Channel) {
	if !ch.release() {
		return
	}
	c.mu.Lock()
	delete(c.channels, ch.id)
	c.mu.Unlock()
}

func (c *Client) broadcast(channelID, event string, data any) {
	pl, err := encodeDataPayload(dataPayload{Event: event, Data: data})
	if err != nil {
		c.logger.Error("failed to encode broadcast payload", "channel", channelID, "event", event, "error", err)
		return
	}
	c.enqueue(envelope{T: "data", C: channelID, Pl: pl})
}

func (c *Client) enqueue(e envelope) {
	c.queueMu.Lock()
	c.queue = append(c.queue, e)
	c.queueMu.Unlock()
	c.flushQueue()
}

// flushQueue drains the FIFO queue in order, encoding each envelope
// immediately before handing it to the transport so a reconnect that
// changes connection context between enqueue and send can never stale-
// encode a frame that was sitting in the queue.
func (c *Client) flushQueue() {
	if c.conn.CurrentState() != StateOKConnected {
		return
	}

	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	for len(c.queue) > 0 {
		e := c.queue[0]
		b, err := encodeEnvelope(e)
		if err != nil {
			c.logger.Error("failed to encode queued frame, dropping", "error", err)
			c.queue = c.queue[1:]
			continue
		}
		if err := c.conn.Send(b); err != nil {
			// Likely disconnected mid-flush; leave the rest queued for
			// the next "connected" status notification.
			return
		}
		if c.telemetry != nil {
			c.telemetry.IncFramesSent()
		}
		c.queue = c.queue[1:]
	}
}

func (c *Client) onStatusChange(state fsm.State) {
	if state == StateOKConnected {
		c.flushQueue()
	}
}

func (c *Client) onIncoming(b []byte) {
	e, err := decodeEnvelope(b)
	if err != nil {
		if c.telemetry != nil {
			c.telemetry.IncFrameDecodeErrors()
		}
		c.logger.Error("failed to decode inbound frame", "error", err)
		return
	}
	if c.telemetry != nil {
		c.telemetry.IncFramesReceived()
	}

	ch, ok := c.GetChannel(e.C)
	if !ok {
		return
	}

	switch {
	case e.T == "control" && e.Op == "channel_join":
		c.enqueue(envelope{T: "control", Op: "peer_online", C: e.C})
		state := ch.State()
		pl, err := codecMarshalState(state)
		if err != nil {
			c.logger.Error("failed to encode local state for peer_state", "channel", e.C, "error", err)
			return
		}
		c.enqueue(envelope{T: "control", Op: "peer_state", C: e.C, Pl: pl})

	case e.T == "control" && e.Op == "peer_online":
		if e.P == c.opts.UID {
			return
		}
		ch.PeerOnline.Notify(e.P)
		// A peer who joined after us has no way to know our state yet;
		// sync it outward the same way the channel_join branch above does.
		state := ch.State()
		pl, err := codecMarshalState(state)
		if err != nil {
			c.logger.Error("failed to encode local state for peer_state", "channel", e.C, "error", err)
			return
		}
		c.enqueue(envelope{T: "control", Op: "peer_state", C: e.C, Pl: pl})

	case e.T == "control" && e.Op == "peer_offline":
		if e.P == c.opts.UID {
			return
		}
		ch.PeerOffline.Notify(e.P)

	case e.T == "control" && e.Op == "peer_state":
		state, err := decodeOpaqueState(e.Pl)
		if err != nil {
			c.logger.Error("failed to decode peer_state payload", "channel", e.C, "peer", e.P, "error", err)
			return
		}
		ch.PeerState.Notify(PeerStateEvent{PeerID: e.P, State: state})

	case e.T == "data":
		dp, err := decodeDataPayload(e.Pl)
		if err != nil {
			c.logger.Error("failed to decode data payload", "channel", e.C, "error", err)
			return
		}
		ch.Data.Notify(DataEvent{PeerID: e.P, Event: dp.Event, Data: dp.Data})
	}
}
