package presence

import (
	"log/slog"
	"sync"

	"github.com/nugget/presence-client/eventsource"
)

// Channel is a lease-counted topic multiplexed over one Client's
// transport. Multiple Join calls for the same id share one Channel;
// it is destroyed when the last lease releases.
type Channel struct {
	id     string
	client *Client

	mu        sync.Mutex
	leases    int
	state     any
	destroyed bool

	PeerOnline  *eventsource.Source[string]
	PeerOffline *eventsource.Source[string]
	PeerState   *eventsource.Source[PeerStateEvent]
	Data        *eventsource.Source[DataEvent]
}

// PeerStateEvent is delivered on Channel.PeerState.
type PeerStateEvent struct {
	PeerID string
	State  any
}

// DataEvent is delivered on Channel.Data for a broadcast from any peer.
type DataEvent struct {
	PeerID string
	Event  string
	Data   any
}

func newChannel(id string, client *Client, logger *slog.Logger) *Channel {
	return &Channel{
		id:          id,
		client:      client,
		PeerOnline:  eventsource.New[string](logger),
		PeerOffline: eventsource.New[string](logger),
		PeerState:   eventsource.New[PeerStateEvent](logger),
		Data:        eventsource.New[DataEvent](logger),
	}
}

// ID returns the channel's identifier.
func (ch *Channel) ID() string { return ch.id }

// SetState records opaque local presence state, announced to peers via
// a peer_state control frame once the join handshake completes.
func (ch *Channel) SetState(v any) {
	ch.mu.Lock()
	ch.state = v
	ch.mu.Unlock()
}

// State returns the locally set presence state.
func (ch *Channel) State() any {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Broadcast enqueues a data frame carrying event/data to every peer on
// the channel.
func (ch *Channel) Broadcast(event string, data any) {
	ch.client.broadcast(ch.id, event, data)
}

// addLease records one more caller holding this channel open. Returns a
// Leave func; calling it more than once is a no-op that logs a warning
// rather than double-releasing the lease.
func (ch *Channel) addLease() func() {
	ch.mu.Lock()
	ch.leases++
	ch.mu.Unlock()

	var mu sync.Mutex
	released := false
	return func() {
		mu.Lock()
		already := released
		released = true
		mu.Unlock()

		if already {
			ch.client.logger.Warn("Leave called more than once", "channel", ch.id)
			return
		}
		ch.client.release(ch)
	}
}

// release decrements the lease count and reports whether this was the
// last lease (the caller should destroy the channel).
func (ch *Channel) release() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.destroyed {
		return false
	}
	ch.leases--
	if ch.leases <= 0 {
		ch.destroyed = true
		return true
	}
	return false
}
