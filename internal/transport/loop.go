package transport

import (
	"context"
	"sync"

	"github.com/wb-airbus/soxy/internal/soxyerr"
	"github.com/wb-airbus/soxy/soxylog"
)

// LoopTransport is an in-process Transport backed by a channel pair instead
// of a real host virtual channel. It stands in for the whole RDP/Citrix
// channel so a frontend and a backend can run wired together in one process,
// for local development and end-to-end tests.
type LoopTransport struct {
	logger soxylog.Logger
	track  *inFlightTracker

	out chan []byte // frames this end sends, delivered to the peer's recv
	in  <-chan []byte

	eventsCh  chan LifecycleEvent
	peerEvent chan<- LifecycleEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLoopPair creates two LoopTransports wired so that sends on one are
// received on the other.
func NewLoopPair(logger soxylog.Logger) (a, b *LoopTransport) {
	abChan := make(chan []byte, 256)
	baChan := make(chan []byte, 256)
	aEvents := make(chan LifecycleEvent, 16)
	bEvents := make(chan LifecycleEvent, 16)

	a = &LoopTransport{
		logger:    logger.Fork("loop-a"),
		track:     newInFlightTracker(),
		out:       abChan,
		in:        baChan,
		eventsCh:  aEvents,
		peerEvent: bEvents,
		closed:    make(chan struct{}),
	}
	b = &LoopTransport{
		logger:    logger.Fork("loop-b"),
		track:     newInFlightTracker(),
		out:       baChan,
		in:        abChan,
		eventsCh:  bEvents,
		peerEvent: aEvents,
		closed:    make(chan struct{}),
	}
	return a, b
}

// SetInFlightGauge attaches an occupancy gauge to the in-flight tracker.
// Call before the first Send.
func (t *LoopTransport) SetInFlightGauge(g Gauge) {
	t.track.setGauge(g)
}

// Send implements Transport. The loop transport has no real asynchronous
// write-completion step, so the in-flight marker is released as soon as the
// frame is handed to the peer's inbound channel.
func (t *LoopTransport) Send(ctx context.Context, frame []byte) error {
	marker, err := t.track.acquire(ctx, frame)
	if err != nil {
		return err
	}
	select {
	case t.out <- frame:
		t.track.release(marker)
		return nil
	case <-ctx.Done():
		t.track.release(marker)
		return ctx.Err()
	case <-t.closed:
		t.track.release(marker)
		return soxyerr.ErrPipelineBroken
	}
}

// Recv implements Transport.
func (t *LoopTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-t.in:
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
func (t *LoopTransport) Events() <-chan LifecycleEvent { return t.eventsCh }

// Close implements Transport. It notifies both ends with Disconnected.
func (t *LoopTransport) Close() error {
	t.closeOnce.Do(func() {
		t.track.reset()
		ev := LifecycleEvent{Event: EventDisconnected}
		select {
		case t.eventsCh <- ev:
		default:
		}
		select {
		case t.peerEvent <- ev:
		default:
		}
		close(t.closed)
	})
	return nil
}

// SignalConnected surfaces Initialized then Connected on this end only; used
// by standalone mode to bring a freshly created pair up without a real host.
func (t *LoopTransport) SignalConnected() {
	t.eventsCh <- LifecycleEvent{Event: EventInitialized}
	t.eventsCh <- LifecycleEvent{Event: EventConnected}
}
