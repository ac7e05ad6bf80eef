package transport

import (
	"context"
	"io"
	"runtime"
	"sync"

	"github.com/wb-airbus/soxy/soxylog"
)

// ChannelTransport adapts a blocking read/write channel handle (the kind a
// platform channel library exposes once the named channel is open) to the
// Transport interface. The handle is a plain byte stream: reads are not
// guaranteed to align to chunk boundaries, so callers wrap this Transport in
// a FrameReader.
type ChannelTransport struct {
	logger soxylog.Logger
	track  *inFlightTracker

	wmu sync.Mutex
	rw  io.ReadWriteCloser

	eventsCh chan LifecycleEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// NewChannelTransport wraps rw. The returned transport immediately surfaces
// Initialized and Connected, since a successfully opened handle implies
// both.
func NewChannelTransport(logger soxylog.Logger, rw io.ReadWriteCloser) *ChannelTransport {
	t := &ChannelTransport{
		logger:   logger,
		track:    newInFlightTracker(),
		rw:       rw,
		eventsCh: make(chan LifecycleEvent, 16),
		closed:   make(chan struct{}),
	}
	t.eventsCh <- LifecycleEvent{Event: EventInitialized}
	t.eventsCh <- LifecycleEvent{Event: EventConnected}
	return t
}

// SetInFlightGauge attaches an occupancy gauge to the in-flight tracker.
// Call before the first Send.
func (t *ChannelTransport) SetInFlightGauge(g Gauge) {
	t.track.setGauge(g)
}

// Send implements Transport. A short write from the handle is not treated as
// fatal: the remainder is retried after yielding the processor, since some
// channel libraries report success while accepting fewer bytes than
// requested when their internal buffer is near full.
func (t *ChannelTransport) Send(ctx context.Context, frame []byte) error {
	marker, err := t.track.acquire(ctx, frame)
	if err != nil {
		return err
	}
	defer t.track.release(marker)

	t.wmu.Lock()
	defer t.wmu.Unlock()
	for len(frame) > 0 {
		n, err := t.rw.Write(frame)
		if err != nil {
			t.surface(LifecycleEvent{Event: EventDisconnected})
			return err
		}
		frame = frame[n:]
		if len(frame) > 0 {
			runtime.Gosched()
		}
	}
	return nil
}

// Recv implements Transport. It delivers whatever byte range the handle's
// next read returns.
func (t *ChannelTransport) Recv(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := t.rw.Read(buf)
	if err != nil {
		t.surface(LifecycleEvent{Event: EventDisconnected})
		return nil, err
	}
	return buf[:n], nil
}

// Events implements Transport.
func (t *ChannelTransport) Events() <-chan LifecycleEvent { return t.eventsCh }

// Close implements Transport.
func (t *ChannelTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.track.reset()
		err = t.rw.Close()
		close(t.closed)
	})
	return err
}

func (t *ChannelTransport) surface(ev LifecycleEvent) {
	if ev.Event == EventDisconnected || ev.Event == EventTerminated {
		t.track.reset()
	}
	select {
	case t.eventsCh <- ev:
	default:
	}
}
