package transport

import "sync"

// MaxInFlightSends is the maximum number of sends a Transport may have
// outstanding (accepted by the host but not yet reported complete or
// cancelled) at once.
const MaxInFlightSends = 64

// Gauge is the narrow metrics capability the tracker reports occupancy to.
// Satisfied by prometheus.Gauge.
type Gauge interface {
	Inc()
	Dec()
}

// inFlightTracker assigns a monotonic 32-bit marker to each send and retains
// its buffer until the host reports completion or cancellation with that
// marker -- some host write APIs require the sent buffer's address to remain
// valid until then, and never copy it themselves.
type inFlightTracker struct {
	sem chan struct{}

	mu      sync.RWMutex
	next    uint32
	pending map[uint32][]byte
	gauge   Gauge
}

func newInFlightTracker() *inFlightTracker {
	t := &inFlightTracker{
		sem:     make(chan struct{}, MaxInFlightSends),
		pending: make(map[uint32][]byte),
	}
	for i := 0; i < MaxInFlightSends; i++ {
		t.sem <- struct{}{}
	}
	return t
}

// acquire blocks until a send permit is available (or ctx is done), assigns a
// marker to buf, and retains it.
func (t *inFlightTracker) acquire(ctx ctxDoner, buf []byte) (uint32, error) {
	select {
	case <-t.sem:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	t.mu.Lock()
	marker := t.next
	t.next++
	t.pending[marker] = buf
	gauge := t.gauge
	t.mu.Unlock()
	if gauge != nil {
		gauge.Inc()
	}
	return marker, nil
}

// setGauge attaches an occupancy gauge. Call before the first acquire.
func (t *inFlightTracker) setGauge(g Gauge) {
	t.mu.Lock()
	t.gauge = g
	t.mu.Unlock()
}

// release frees the permit and buffer for marker, if still pending. It is
// safe to call more than once for the same marker; later calls are no-ops.
func (t *inFlightTracker) release(marker uint32) {
	t.mu.Lock()
	_, ok := t.pending[marker]
	if ok {
		delete(t.pending, marker)
	}
	gauge := t.gauge
	t.mu.Unlock()
	if ok {
		if gauge != nil {
			gauge.Dec()
		}
		t.sem <- struct{}{}
	}
}

// reset clears every pending marker and refills the semaphore to full
// budget. Called on Disconnected/Terminated.
func (t *inFlightTracker) reset() {
	t.mu.Lock()
	dropped := len(t.pending)
	t.pending = make(map[uint32][]byte)
	gauge := t.gauge
	t.mu.Unlock()
	if gauge != nil {
		for i := 0; i < dropped; i++ {
			gauge.Dec()
		}
	}

	// Drain whatever permits remain, then refill to the full budget.
drain:
	for {
		select {
		case <-t.sem:
		default:
			break drain
		}
	}
	for i := 0; i < MaxInFlightSends; i++ {
		t.sem <- struct{}{}
	}
}

// ctxDoner is the subset of context.Context that acquire needs; declared
// narrowly so tests can pass lightweight fakes.
type ctxDoner interface {
	Done() <-chan struct{}
	Err() error
}
