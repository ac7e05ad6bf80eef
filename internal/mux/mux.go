// Package mux implements soxy's stream multiplexer: the client-id routing
// table, per-client inbound queues, per-service dispatch, lifecycle chunks,
// and shutdown fan-out. It is the piece shared symmetrically by the frontend
// and the backend; only Connect (used solely by the frontend) and Start
// handling (meaningful only with a non-nil registry, i.e. on the backend)
// differ by side.
package mux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wb-airbus/soxy/internal/chunk"
	"github.com/wb-airbus/soxy/internal/metrics"
	"github.com/wb-airbus/soxy/internal/registry"
	"github.com/wb-airbus/soxy/internal/stream"
	"github.com/wb-airbus/soxy/internal/transport"
	"github.com/wb-airbus/soxy/soxylog"
)

// InboundQueueDepth is the bounded depth of each per-client inbound queue.
// Backpressure relies on this being small and finite.
const InboundQueueDepth = 16

// outboundQueueDepth sizes the multiplexer's single outbound channel,
// drained by one dedicated writer goroutine.
const outboundQueueDepth = 256

// Multiplexer is the shared client-id router. One Multiplexer owns exactly
// one Transport and one client table.
type Multiplexer struct {
	logger soxylog.Logger
	tr     transport.Transport
	// reg is nil on a frontend-only multiplexer that never expects inbound
	// Start chunks; non-nil on the backend.
	reg *registry.Registry

	// metrics is optional; nil means uninstrumented.
	metrics *metrics.Metrics

	nextID uint32 // atomic; frontend Connect allocator

	mu      sync.RWMutex
	clients map[chunk.ClientID]chan chunk.Chunk

	outbound  chan chunk.Chunk
	writeDone chan struct{}
}

// New constructs a Multiplexer over tr. reg may be nil for a frontend-only
// instance (one that never receives Start and only ever Connects).
func New(logger soxylog.Logger, tr transport.Transport, reg *registry.Registry) *Multiplexer {
	m := &Multiplexer{
		logger:    logger.Fork("mux"),
		tr:        tr,
		reg:       reg,
		clients:   make(map[chunk.ClientID]chan chunk.Chunk),
		outbound:  make(chan chunk.Chunk, outboundQueueDepth),
		writeDone: make(chan struct{}),
	}
	go m.writeLoop()
	return m
}

// Instrument attaches mt's collectors to this Multiplexer. Call before Run;
// chunks dispatched earlier are not counted.
func (m *Multiplexer) Instrument(mt *metrics.Metrics) {
	m.metrics = mt
}

func (m *Multiplexer) observeClients() {
	if m.metrics != nil {
		m.metrics.ActiveClients.Set(float64(m.ClientCount()))
	}
}

// writeLoop is the single dedicated writer task: every stream enqueues
// chunks here instead of touching the Transport directly, breaking the
// cyclic lifetime between host transport callbacks and streams.
func (m *Multiplexer) writeLoop() {
	defer close(m.writeDone)
	for c := range m.outbound {
		if m.metrics != nil {
			m.metrics.ObserveSent(c.Kind())
		}
		if err := m.tr.Send(context.Background(), c.Serialize()); err != nil {
			m.logger.WLogf("send failed for client %08x: %v", c.ClientID(), err)
		}
	}
}

// SendChunk implements stream.Sender. It never blocks on the transport
// directly; it queues onto the writer goroutine, which does.
func (m *Multiplexer) SendChunk(ctx context.Context, c chunk.Chunk) error {
	select {
	case m.outbound <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectStream implements the frontend's connect operation: allocate a
// ClientID, insert a fresh inbound queue, emit Start, and return the owning
// Stream. It returns the concrete *stream.Stream, for callers (tests,
// internal wiring) that need stream-specific methods beyond
// registry.Streamer.
func (m *Multiplexer) ConnectStream(ctx context.Context, service string) (*stream.Stream, error) {
	id := atomic.AddUint32(&m.nextID, 1) - 1

	inbound := make(chan chunk.Chunk, InboundQueueDepth)
	m.mu.Lock()
	m.clients[id] = inbound
	m.mu.Unlock()
	m.observeClients()

	s := stream.New(m.logger, id, service, inbound, m, func() { m.evict(id) })
	if err := s.SendStart(); err != nil {
		m.evict(id)
		return nil, fmt.Errorf("mux: connect %q: %w", service, err)
	}
	return s, nil
}

// Connect implements registry.Dialer over ConnectStream, the seam every
// frontend service handler uses to open a new logical stream.
func (m *Multiplexer) Connect(ctx context.Context, service string) (registry.Streamer, error) {
	return m.ConnectStream(ctx, service)
}

func (m *Multiplexer) evict(id chunk.ClientID) {
	m.mu.Lock()
	delete(m.clients, id)
	m.mu.Unlock()
	m.observeClients()
}

// Run is the multiplexer's main dispatch loop. It decodes frames via fr and
// dispatches each chunk until ctx is cancelled or fr returns a fatal error
// (typically because the transport itself closed). Exactly one goroutine may
// call Run for a given Multiplexer.
func (m *Multiplexer) Run(ctx context.Context, fr *transport.FrameReader) error {
	for {
		c, err := fr.Next(ctx)
		if err != nil {
			return fmt.Errorf("mux: run: %w", err)
		}
		m.dispatch(ctx, c)
	}
}

func (m *Multiplexer) dispatch(ctx context.Context, c chunk.Chunk) {
	if m.metrics != nil {
		m.metrics.ObserveReceived(c.Kind())
	}
	switch c.Kind() {
	case chunk.Start:
		m.handleStart(ctx, c)
	case chunk.Data:
		m.handleData(ctx, c)
	case chunk.End:
		m.handleEnd(c)
	default:
		m.logger.WLogf("dropping chunk of unrecognized kind for client %08x", c.ClientID())
	}
}

// handleStart is backend-only: it looks up the named service, rejects
// duplicate or unknown client ids/services, and spawns the backend handler
// on its own goroutine.
func (m *Multiplexer) handleStart(ctx context.Context, c chunk.Chunk) {
	if m.reg == nil {
		m.logger.WLogf("dropping unexpected Start for client %08x: no registry (frontend-only mux)", c.ClientID())
		return
	}

	serviceName := string(c.Payload())
	desc, err := m.reg.Lookup(serviceName)
	if err != nil {
		m.logger.WLogf("client %08x: %v", c.ClientID(), err)
		m.sendEnd(c.ClientID())
		return
	}

	inbound := make(chan chunk.Chunk, InboundQueueDepth)
	m.mu.Lock()
	if _, dup := m.clients[c.ClientID()]; dup {
		m.mu.Unlock()
		m.logger.WLogf("dropping duplicate Start for already-registered client %08x", c.ClientID())
		return
	}
	m.clients[c.ClientID()] = inbound
	m.mu.Unlock()
	m.observeClients()

	id := c.ClientID()
	s := stream.New(m.logger, id, serviceName, inbound, m, func() { m.evict(id) })
	s.MarkConnected()

	if desc.Backend == nil {
		m.logger.WLogf("service %q has no backend handler; closing client %08x", serviceName, id)
		_ = s.Close()
		return
	}

	m.logger.ILogf("new %s client %08x", serviceName, id)
	go func() {
		defer s.Close()
		desc.Backend(ctx, s)
	}()
}

func (m *Multiplexer) handleData(ctx context.Context, c chunk.Chunk) {
	m.mu.RLock()
	inbound, ok := m.clients[c.ClientID()]
	m.mu.RUnlock()
	if !ok {
		m.sendEnd(c.ClientID())
		return
	}

	// Blocking here on a full queue is the backpressure path: it stalls the
	// single dispatch goroutine, which stalls draining the transport, which
	// pressures the peer's send-credit. Intentional, not a bug.
	select {
	case inbound <- c:
	case <-ctx.Done():
	}
}

func (m *Multiplexer) handleEnd(c chunk.Chunk) {
	m.mu.Lock()
	inbound, ok := m.clients[c.ClientID()]
	if ok {
		delete(m.clients, c.ClientID())
	}
	m.mu.Unlock()

	if !ok {
		m.logger.WLogf("End for unknown client %08x ignored", c.ClientID())
		return
	}
	m.observeClients()
	// Push the End into the queue to wake any blocked reader. The entry is
	// already out of the table, so nothing else will enqueue after it, and a
	// send (unlike a close) stays safe against a concurrent Shutdown pushing
	// into the same queue.
	inbound <- c
}

// sendEnd emits a best-effort End chunk for a client id the table has no
// entry for (unknown Start service, or Data for an id not in the table).
func (m *Multiplexer) sendEnd(id chunk.ClientID) {
	c := chunk.EncodeEnd(id)
	select {
	case m.outbound <- c:
	default:
		m.logger.WLogf("dropping End for client %08x: outbound queue full", id)
	}
}

// Shutdown pushes End into every registered client's queue and clears the
// table. It is safe to call more than once; later calls simply find an empty
// table. Pushing (rather than closing) matters: Shutdown runs on the
// transport-events goroutine while the dispatch goroutine may be mid-send on
// the same queue in handleData, and concurrent sends on an unclosed channel
// are race-free where a close would panic the sender.
func (m *Multiplexer) Shutdown() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[chunk.ClientID]chan chunk.Chunk)
	m.mu.Unlock()
	m.observeClients()

	for id, inbound := range clients {
		inbound <- chunk.EncodeEnd(id)
	}
}

// WatchTransportEvents fans Disconnected/Terminated transport lifecycle
// events to Shutdown. It blocks until ctx is done or the transport's Events
// channel is closed.
func (m *Multiplexer) WatchTransportEvents(ctx context.Context) {
	for {
		select {
		case ev, ok := <-m.tr.Events():
			if !ok {
				return
			}
			switch ev.Event {
			case transport.EventDisconnected, transport.EventTerminated:
				m.logger.ILogf("transport %s: fanning End to all clients", ev.Event)
				m.Shutdown()
			}
		case <-ctx.Done():
			return
		}
	}
}

// ClientCount reports the number of currently registered clients, exposed
// for internal/metrics's active-clients gauge.
func (m *Multiplexer) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}
