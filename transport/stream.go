package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/presence-client/eventsource"
)

// maxFrameSize bounds a single Stream frame to guard against a
// malformed or hostile length prefix driving an unbounded allocation.
const maxFrameSize = 64 * 1024 * 1024

// Stream is a Session backed by any io.ReadWriteCloser (a raw net.Conn
// or tls.Conn), framed with a 4-byte big-endian length prefix per
// message. Grounded on dwarri-gazette's message.Framing abstraction
// (Marshal/Unpack/Unmarshal over a *bufio.Reader/Writer), adapted here
// from line-delimited JSON to binary length-prefixed framing because
// this wire format carries opaque msgpack bytes, not JSON lines.
type Stream struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
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

// NewStream wraps conn and starts its read pump. conn is assumed
// already connected (dialing is the caller's concern, mirroring how
// Datagram's dial happens before the Stream-equivalent construction).
func NewStream(conn io.ReadWriteCloser, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stream{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		logger:     logger,
		openSrc:    eventsource.New[struct{}](logger),
		closeSrc:   eventsource.New[CloseEvent](logger),
		errorSrc:   eventsource.New[error](logger),
		messageSrc: eventsource.New[[]byte](logger),
	}
	s.state.Store(int32(Connecting))

	go s.readPump()
	s.tryOpen()

	return s
}

func (s *Stream) ReadyState() ReadyState { return ReadyState(s.state.Load()) }

func (s *Stream) Open() *eventsource.Source[struct{}]    { return s.openSrc }
func (s *Stream) Close() *eventsource.Source[CloseEvent] { return s.closeSrc }
func (s *Stream) Error() *eventsource.Source[error]      { return s.errorSrc }
func (s *Stream) Message() *eventsource.Source[[]byte]   { return s.messageSrc }

// Send writes one length-prefixed frame.
func (s *Stream) Send(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(b)))
	if _, err := s.conn.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := s.conn.Write(b); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func (s *Stream) CloseSession() error {
	s.mu.Lock()
	s.terminalFired = true
	s.mu.Unlock()

	s.state.Store(int32(Closing))
	s.closeSrc.Clear()
	s.errorSrc.Clear()
	s.messageSrc.Clear()
	s.openSrc.Clear()
	err := s.conn.Close()
	s.state.Store(int32(Closed))
	return err
}

func (s *Stream) tryOpen() {
	s.mu.Lock()
	if s.terminalFired || s.openFired {
		s.mu.Unlock()
		return
	}
	s.openFired = true
	s.mu.Unlock()

	s.state.Store(int32(Open))
	s.openSrc.Notify(struct{}{})
}

func (s *Stream) tryTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalFired {
		return false
	}
	s.terminalFired = true
	return true
}

// readPump reads one length-prefixed frame at a time. A raw byte
// stream has no native close code, so a clean EOF is synthesized as
// CloseEvent{Code: 0}; any other read error is dispatched as Error.
func (s *Stream) readPump() {
	for {
		body, err := s.readFrame()
		if err != nil {
			s.state.Store(int32(Closed))
			if !s.tryTerminal() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.closeSrc.Notify(CloseEvent{Code: 0, Reason: "stream closed"})
				return
			}
			s.errorSrc.Notify(err)
			return
		}
		s.messageSrc.Notify(body)
	}
}

func (s *Stream) readFrame() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(s.reader, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return nil, err
	}
	return body, nil
}
