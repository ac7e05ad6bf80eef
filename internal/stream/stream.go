// Package stream implements the duplex stream object: a reader/writer pair
// bound to one ClientID, buffering partial payloads on read and accumulating
// writes into chunk-sized transport sends. This buffering is what lets a
// byte-oriented service implementation (stream copies, line-based protocols)
// ride the fixed-size chunk transport without per-byte framing cost.
package stream

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/wb-airbus/soxy/internal/chunk"
	"github.com/wb-airbus/soxy/internal/soxyerr"
	"github.com/wb-airbus/soxy/soxylog"
)

// State is a Stream's lifecycle position.
type State int

const (
	// Ready is the state before connect()/accept() has run.
	Ready State = iota
	// Connected is the state after Start has been emitted or observed.
	Connected
	// Disconnected is terminal: reads return EOF, writes fail.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Sender is the narrow capability a Stream needs from its owning
// multiplexer: hand one chunk to the transport's dedicated writer. Streams
// never touch the transport directly.
type Sender interface {
	SendChunk(ctx context.Context, c chunk.Chunk) error
}

type leftover struct {
	payload []byte
	offset  int
}

// Stream is a duplex reader/writer bound to one ClientID and one service.
// The zero value is not usable; construct with New.
type Stream struct {
	logger   soxylog.Logger
	clientID chunk.ClientID
	service  string
	inbound  <-chan chunk.Chunk
	sender   Sender
	onClose  func()

	mu    sync.Mutex
	state State

	lo *leftover

	accum    []byte
	accumLen int

	endSent bool
}

// New constructs a Stream in the Ready state. inbound is the per-client
// bounded queue the multiplexer dispatches Data/End chunks into; sender is
// used to emit Data/End chunks back out. onClose, if non-nil, is invoked
// exactly once when the stream transitions to Disconnected, so the owning
// multiplexer can evict the ClientID from its client table.
func New(logger soxylog.Logger, clientID chunk.ClientID, service string, inbound <-chan chunk.Chunk, sender Sender, onClose func()) *Stream {
	return &Stream{
		logger:   logger.Fork("stream %08x %s", clientID, service),
		clientID: clientID,
		service:  service,
		inbound:  inbound,
		sender:   sender,
		onClose:  onClose,
		state:    Ready,
		accum:    make([]byte, chunk.MaxPayloadLength),
	}
}

// ClientID returns the stream's wire client id.
func (s *Stream) ClientID() chunk.ClientID { return s.clientID }

// Service returns the stream's service name.
func (s *Stream) Service() string { return s.service }

// State returns the stream's current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkConnected transitions Ready->Connected. Called by the frontend after
// emitting Start (connect()), or by the backend after observing Start
// (accept()).
func (s *Stream) MarkConnected() {
	s.mu.Lock()
	if s.state == Ready {
		s.state = Connected
	}
	s.mu.Unlock()
}

// Read implements io.Reader. It blocks on the inbound queue until a Data
// chunk is available, an End chunk arrives (io.EOF), or the stream is
// already Disconnected (io.EOF immediately). A freshly received chunk is
// always parked as the leftover before being copied from; a payload larger
// than p is drained across subsequent calls.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.state == Disconnected && s.lo == nil {
		s.mu.Unlock()
		return 0, io.EOF
	}
	lo := s.lo
	s.mu.Unlock()

	if lo == nil {
		c, ok := <-s.inbound
		if !ok {
			s.disconnectPeerInitiated()
			return 0, io.EOF
		}
		if c.Kind() == chunk.End {
			s.disconnectPeerInitiated()
			return 0, io.EOF
		}
		if c.Kind() != chunk.Data {
			s.logger.WLogf("discarding unexpected %s chunk on read path", c.Kind())
			return s.Read(p)
		}
		lo = &leftover{payload: c.Payload()}
	}

	n := copy(p, lo.payload[lo.offset:])
	lo.offset += n
	s.mu.Lock()
	if lo.offset >= len(lo.payload) {
		s.lo = nil
	} else {
		s.lo = lo
	}
	s.mu.Unlock()
	return n, nil
}

// Write implements io.Writer. It accumulates bytes into a fixed
// MaxPayloadLength buffer, flushing a Data chunk each time the accumulator
// fills. A partial tail stays buffered until Flush or Close, so N written
// bytes followed by one Flush become ceil(N/MaxPayloadLength) Data chunks.
func (s *Stream) Write(p []byte) (int, error) {
	if s.State() == Disconnected {
		return 0, soxyerr.ErrStreamDisconnected
	}
	total := len(p)
	for len(p) > 0 {
		n := copy(s.accum[s.accumLen:], p)
		s.accumLen += n
		p = p[n:]
		if s.accumLen == len(s.accum) {
			if err := s.Flush(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

// Flush builds a Data chunk from whatever is in the accumulator (if
// anything) and hands it to the transport. It is a no-op if the accumulator
// is empty.
func (s *Stream) Flush() error {
	if s.accumLen == 0 {
		return nil
	}
	if s.State() == Disconnected {
		return soxyerr.ErrStreamDisconnected
	}
	payload := make([]byte, s.accumLen)
	copy(payload, s.accum[:s.accumLen])
	s.accumLen = 0

	c, err := chunk.EncodeData(s.clientID, payload)
	if err != nil {
		// Cannot happen: payload is bounded by MaxPayloadLength by
		// construction, but surface it rather than silently drop bytes.
		return fmt.Errorf("stream: flush: %w", err)
	}
	if err := s.sender.SendChunk(context.Background(), c); err != nil {
		s.disconnect(err)
		return err
	}
	return nil
}

// SendStart emits the Start chunk for this stream. Only meaningful on the
// frontend side's connect() path.
func (s *Stream) SendStart() error {
	c, err := chunk.EncodeStart(s.clientID, s.service)
	if err != nil {
		return err
	}
	if err := s.sender.SendChunk(context.Background(), c); err != nil {
		s.disconnect(err)
		return err
	}
	s.MarkConnected()
	return nil
}

// Close flushes any buffered write (best effort), emits an End chunk (best
// effort, unless the stream is already Disconnected because End was
// received), and transitions to Disconnected so peers observe half-close
// promptly. Callers must `defer stream.Close()`.
func (s *Stream) Close() error {
	_ = s.Flush()
	s.disconnect(nil)
	return nil
}

// disconnect performs the Disconnected transition exactly once: it evicts
// the stream from the owning multiplexer's client table (via onClose) and
// emits a best-effort End, unless one was already sent or the transition was
// itself caused by an inbound End (see disconnectPeerInitiated). At most one
// End is ever emitted per client id.
func (s *Stream) disconnect(_ error) {
	alreadySent := s.transitionToDisconnected()
	if !alreadySent {
		c := chunk.EncodeEnd(s.clientID)
		_ = s.sender.SendChunk(context.Background(), c)
	}
}

// disconnectPeerInitiated performs the Disconnected transition triggered by
// an End chunk observed on the read path (or by the inbound channel being
// closed; the multiplexer itself never closes a queue, it pushes End). It
// never emits an outgoing End of its own.
func (s *Stream) disconnectPeerInitiated() {
	s.transitionToDisconnected()
}

// transitionToDisconnected moves the stream to Disconnected exactly once,
// evicting it from the owning multiplexer's client table via onClose, and
// reports whether an End chunk had already been sent (by either path) before
// this call.
func (s *Stream) transitionToDisconnected() bool {
	s.mu.Lock()
	if s.state == Disconnected {
		// endSent is always true once the first transition has run.
		s.mu.Unlock()
		return true
	}
	s.state = Disconnected
	alreadySent := s.endSent
	s.endSent = true
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
	return alreadySent
}
