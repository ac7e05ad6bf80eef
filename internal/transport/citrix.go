package transport

import (
	"context"
	"sync"

	"github.com/wb-airbus/soxy/internal/soxyerr"
	"github.com/wb-airbus/soxy/soxylog"
)

// CitrixMaxFramesPerPoll caps how many queued outbound frames a single Poll
// call drains before yielding, so the transport does not monopolize the
// half-duplex Citrix virtual driver queue.
const CitrixMaxFramesPerPoll = 8

// PollStatus is the result CitrixTransport.Poll hands back to the host's
// Poll entry point.
type PollStatus int

const (
	// PollOK means the poll made forward progress (or had nothing to send).
	PollOK PollStatus = iota
	// PollRetry means the host returned "no output buffer" for a frame; the
	// frame was retained and the host should call Poll again soon.
	PollRetry
)

// CitrixWriter is the narrow capability the Citrix host adapter provides:
// attempt to hand one frame to the host's half-duplex queue, reporting
// whether the host had no buffer available (the ok=false case, which is not
// itself an error -- the frame must be retried on the next poll).
type CitrixWriter interface {
	// CitrixWrite attempts to write frame. ok is false iff the host reported
	// "no output buffer"; err is non-nil only for a genuine I/O failure.
	CitrixWrite(frame []byte) (ok bool, err error)
}

// CitrixTransport adapts the Citrix virtual driver's poll-driven model (the
// host calls a Poll entry point rather than accepting pushed writes) to the
// Transport interface. Outbound frames queue up and are drained from Poll;
// inbound bytes arrive via an ICADataArrival-style upcall into Deliver and
// are not guaranteed to be chunk-aligned, so callers should wrap this
// Transport in a FrameReader.
type CitrixTransport struct {
	logger soxylog.Logger
	writer CitrixWriter

	mu      sync.Mutex
	queue   [][]byte
	pending []byte // the most recently dequeued frame that got PollRetry

	recvCh   chan []byte
	eventsCh chan LifecycleEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// NewCitrixTransport creates a CitrixTransport whose Poll method drains
// queued frames through writer.
func NewCitrixTransport(logger soxylog.Logger, writer CitrixWriter) *CitrixTransport {
	return &CitrixTransport{
		logger:   logger,
		writer:   writer,
		recvCh:   make(chan []byte, 64),
		eventsCh: make(chan LifecycleEvent, 16),
		closed:   make(chan struct{}),
	}
}

// Send implements Transport by enqueueing frame for the next Poll. Unlike
// the push-model transports there is no host-side write-completion callback
// to wait on in the polled model, so Send returns as soon as the frame is
// queued. The queue has no size limit; CitrixMaxFramesPerPoll only caps how
// many queued frames a single Poll drains.
func (t *CitrixTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	t.queue = append(t.queue, frame)
	t.mu.Unlock()
	return nil
}

// Recv implements Transport.
func (t *CitrixTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-t.recvCh:
		if !ok {
			return nil, soxyerr.ErrPipelineBroken
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, soxyerr.ErrPipelineBroken
	}
}

// Events implements Transport.
func (t *CitrixTransport) Events() <-chan LifecycleEvent { return t.eventsCh }

// Close implements Transport.
func (t *CitrixTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// Poll drains up to CitrixMaxFramesPerPoll queued frames through the
// CitrixWriter. If the host reports "no output buffer" for a frame, that
// frame is retained as t.pending and PollRetry is returned immediately; the
// caller (the host's own Poll entry point) is expected to call Poll again
// shortly.
func (t *CitrixTransport) Poll() (PollStatus, error) {
	t.mu.Lock()
	if t.pending != nil {
		frame := t.pending
		t.mu.Unlock()
		ok, err := t.writer.CitrixWrite(frame)
		if err != nil {
			return PollOK, err
		}
		if !ok {
			return PollRetry, nil
		}
		t.mu.Lock()
		t.pending = nil
		t.mu.Unlock()
	} else {
		t.mu.Unlock()
	}

	for i := 0; i < CitrixMaxFramesPerPoll; i++ {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.mu.Unlock()
			break
		}
		frame := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		ok, err := t.writer.CitrixWrite(frame)
		if err != nil {
			return PollOK, err
		}
		if !ok {
			t.mu.Lock()
			t.pending = frame
			t.mu.Unlock()
			return PollRetry, nil
		}
	}
	return PollOK, nil
}

// Deliver is called by the host adapter's ICADataArrival upcall with
// whatever byte range the driver handed it; it is not guaranteed to be
// chunk-aligned. It queues b on a 64-deep receive channel and blocks while
// that channel is full, until Recv drains it or the transport is closed.
func (t *CitrixTransport) Deliver(b []byte) {
	select {
	case t.recvCh <- b:
	case <-t.closed:
	}
}

// Notify surfaces a lifecycle event from the host adapter. On Disconnected
// or Terminated the outbound queue is dropped.
func (t *CitrixTransport) Notify(ev LifecycleEvent) {
	if ev.Event == EventDisconnected || ev.Event == EventTerminated {
		t.mu.Lock()
		t.queue = nil
		t.pending = nil
		t.mu.Unlock()
	}
	select {
	case t.eventsCh <- ev:
	case <-t.closed:
	default:
		t.logger.WLogf("dropping lifecycle event %s: events channel full", ev.Event)
	}
}
