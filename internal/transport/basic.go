package transport

import (
	"context"
	"sync"

	"github.com/wb-airbus/soxy/internal/soxyerr"
	"github.com/wb-airbus/soxy/soxylog"
)

// Host callback event codes as delivered to the virtual-channel entry
// points. The entry-point shim maps DATA_RECEIVED/WRITE_COMPLETE/
// WRITE_CANCELLED onto Deliver/CompleteWrite/CancelWrite and the lifecycle
// codes onto Notify via MapHostEvent.
const (
	HostEventInitialized    uint32 = 0
	HostEventConnected      uint32 = 1
	HostEventDisconnected   uint32 = 2
	HostEventTerminated     uint32 = 3
	HostEventDataReceived   uint32 = 10
	HostEventWriteComplete  uint32 = 11
	HostEventWriteCancelled uint32 = 12
)

// MapHostEvent translates a host lifecycle event code into the transport's
// event vocabulary. Data and write-completion callbacks are not lifecycle
// events; for those (and unknown codes) ok is false.
func MapHostEvent(code uint32) (Event, bool) {
	switch code {
	case HostEventInitialized:
		return EventInitialized, true
	case HostEventConnected:
		return EventConnected, true
	case HostEventDisconnected:
		return EventDisconnected, true
	case HostEventTerminated:
		return EventTerminated, true
	case HostEventWriteCancelled:
		return EventWriteCancelled, true
	default:
		return 0, false
	}
}

// HostWriter is the narrow capability a push-model host adapter (basic or
// extended RDP virtual channel) must provide: accept ownership of a
// frame-sized buffer tagged with marker, queued for an asynchronous write.
// Completion or cancellation of that write is reported later by the host
// calling BasicTransport.CompleteWrite / CancelWrite with the same marker.
type HostWriter interface {
	HostWrite(marker uint32, frame []byte) error
}

// BasicTransport adapts a push-model host virtual channel (the basic and
// extended RDP entry point flavors) to the Transport interface. The host
// delivers whole frames via Deliver and reports lifecycle events via Notify,
// both from the host's own callback thread. Notify never blocks; Deliver
// blocks while the receive queue is full.
type BasicTransport struct {
	logger soxylog.Logger
	writer HostWriter
	track  *inFlightTracker

	recvCh   chan []byte
	eventsCh chan LifecycleEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// NewBasicTransport creates a BasicTransport that hands accepted sends to writer.
func NewBasicTransport(logger soxylog.Logger, writer HostWriter) *BasicTransport {
	return &BasicTransport{
		logger:   logger,
		writer:   writer,
		track:    newInFlightTracker(),
		recvCh:   make(chan []byte, 64),
		eventsCh: make(chan LifecycleEvent, 16),
		closed:   make(chan struct{}),
	}
}

// SetInFlightGauge attaches an occupancy gauge to the in-flight tracker.
// Call before the first Send.
func (t *BasicTransport) SetInFlightGauge(g Gauge) {
	t.track.setGauge(g)
}

// Send implements Transport.
func (t *BasicTransport) Send(ctx context.Context, frame []byte) error {
	marker, err := t.track.acquire(ctx, frame)
	if err != nil {
		return err
	}
	if err := t.writer.HostWrite(marker, frame); err != nil {
		t.track.release(marker)
		return err
	}
	return nil
}

// Recv implements Transport.
func (t *BasicTransport) Recv(ctx context.Context) ([]byte, error) {
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
func (t *BasicTransport) Events() <-chan LifecycleEvent { return t.eventsCh }

// Close implements Transport.
func (t *BasicTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// Deliver is called by the host adapter on a DATA_RECEIVED callback with one
// whole wire frame. It queues frame on a 64-deep receive channel and blocks
// while that channel is full, until Recv drains it or the transport is
// closed.
func (t *BasicTransport) Deliver(frame []byte) {
	select {
	case t.recvCh <- frame:
	case <-t.closed:
	}
}

// CompleteWrite is called by the host adapter on a WRITE_COMPLETE callback.
func (t *BasicTransport) CompleteWrite(marker uint32) {
	t.track.release(marker)
}

// CancelWrite is called by the host adapter on a WRITE_CANCELLED callback.
func (t *BasicTransport) CancelWrite(marker uint32) {
	t.track.release(marker)
	t.notify(LifecycleEvent{Event: EventWriteCancelled})
}

// Notify is called by the host adapter to surface a lifecycle event
// (Initialized, Connected, Disconnected, Terminated). On Disconnected or
// Terminated the in-flight tracker is reset to its full budget.
func (t *BasicTransport) Notify(ev LifecycleEvent) {
	if ev.Event == EventDisconnected || ev.Event == EventTerminated {
		t.track.reset()
	}
	t.notify(ev)
}

func (t *BasicTransport) notify(ev LifecycleEvent) {
	select {
	case t.eventsCh <- ev:
	case <-t.closed:
	default:
		t.logger.WLogf("dropping lifecycle event %s: events channel full", ev.Event)
	}
}
