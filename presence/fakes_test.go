package presence

import (
	"errors"
	"sync"

	"github.com/nugget/presence-client/eventsource"
	"github.com/nugget/presence-client/transport"
)

var errSessionClosed = errors.New("fakeSession: closed")

// fakeSession is an in-memory transport.Session for tests: Send appends
// to a buffer callers can inspect, and the four event streams are
// driven explicitly by tests via fireOpen/fireClose/fireError/deliver.
type fakeSession struct {
	mu    sync.Mutex
	state transport.ReadyState
	sent  [][]byte
	dead  bool

	openSrc    *eventsource.Source[struct{}]
	closeSrc   *eventsource.Source[transport.CloseEvent]
	errorSrc   *eventsource.Source[error]
	messageSrc *eventsource.Source[[]byte]
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		state:      transport.Connecting,
		openSrc:    eventsource.New[struct{}](nil),
		closeSrc:   eventsource.New[transport.CloseEvent](nil),
		errorSrc:   eventsource.New[error](nil),
		messageSrc: eventsource.New[[]byte](nil),
	}
}

func (f *fakeSession) ReadyState() transport.ReadyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Open() *eventsource.Source[struct{}]              { return f.openSrc }
func (f *fakeSession) Close() *eventsource.Source[transport.CloseEvent] { return f.closeSrc }
func (f *fakeSession) Error() *eventsource.Source[error]                { return f.errorSrc }
func (f *fakeSession) Message() *eventsource.Source[[]byte]             { return f.messageSrc }

func (f *fakeSession) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return errSessionClosed
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSession) CloseSession() error {
	f.mu.Lock()
	f.dead = true
	f.state = transport.Closed
	f.mu.Unlock()
	f.openSrc.Clear()
	f.closeSrc.Clear()
	f.errorSrc.Clear()
	f.messageSrc.Clear()
	return nil
}

func (f *fakeSession) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSession) fireOpen() {
	f.mu.Lock()
	f.state = transport.Open
	f.mu.Unlock()
	f.openSrc.Notify(struct{}{})
}

func (f *fakeSession) fireClose(code int, reason string) {
	f.mu.Lock()
	f.state = transport.Closed
	f.mu.Unlock()
	f.closeSrc.Notify(transport.CloseEvent{Code: code, Reason: reason})
}

func (f *fakeSession) fireError(err error) {
	f.mu.Lock()
	f.state = transport.Closed
	f.mu.Unlock()
	f.errorSrc.Notify(err)
}
