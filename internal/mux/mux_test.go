package mux

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/wb-airbus/soxy/internal/chunk"
	"github.com/wb-airbus/soxy/internal/registry"
	"github.com/wb-airbus/soxy/internal/transport"
	"github.com/wb-airbus/soxy/soxylog"
)

func testLogger() soxylog.Logger {
	return soxylog.New("test", soxylog.LogLevelError)
}

// echoRegistry registers a single "echo" service whose backend writes back
// whatever it reads, flushing each block so the peer sees it promptly.
func echoRegistry() *registry.Registry {
	return registry.New(&registry.Descriptor{
		Name: "echo",
		Backend: func(ctx context.Context, s registry.Streamer) {
			buf := make([]byte, 4096)
			for {
				n, err := s.Read(buf)
				if err != nil {
					return
				}
				if _, err := s.Write(buf[:n]); err != nil {
					return
				}
				if err := s.Flush(); err != nil {
					return
				}
			}
		},
	})
}

// startPair wires a frontend and a backend Multiplexer over a loop transport
// pair and runs both dispatch loops.
func startPair(t *testing.T, backendReg *registry.Registry) (front, back *Multiplexer, a, b *transport.LoopTransport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a, b = transport.NewLoopPair(testLogger())
	t.Cleanup(func() { a.Close(); b.Close() })

	front = New(testLogger(), a, nil)
	back = New(testLogger(), b, backendReg)

	go front.Run(ctx, transport.NewFrameReader(testLogger(), a))
	go back.Run(ctx, transport.NewFrameReader(testLogger(), b))
	go front.WatchTransportEvents(ctx)
	go back.WatchTransportEvents(ctx)
	return front, back, a, b
}

func TestConnectEchoRoundTrip(t *testing.T) {
	front, _, _, _ := startPair(t, echoRegistry())

	s, err := front.ConnectStream(context.Background(), "echo")
	if err != nil {
		t.Fatalf("ConnectStream: %v", err)
	}
	defer s.Close()

	msg := []byte("ping over the channel")
	if _, err := s.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(s, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echo mismatch: %q", got)
	}
}

func TestUnknownServiceRepliesEnd(t *testing.T) {
	front, back, _, _ := startPair(t, echoRegistry())

	s, err := front.ConnectStream(context.Background(), "no-such-service")
	if err != nil {
		t.Fatalf("ConnectStream: %v", err)
	}
	defer s.Close()

	// The backend must reply End without creating any client entry; the
	// frontend reader then observes EOF.
	buf := make([]byte, 1)
	if _, err := s.Read(buf); err != io.EOF {
		t.Fatalf("expected io.EOF after unknown-service End, got %v", err)
	}
	if n := back.ClientCount(); n != 0 {
		t.Fatalf("backend client table not empty: %d entries", n)
	}
}

func TestDuplicateStartDropped(t *testing.T) {
	_, back, a, _ := startPair(t, echoRegistry())

	start, err := chunk.EncodeStart(99, "echo")
	if err != nil {
		t.Fatalf("EncodeStart: %v", err)
	}
	ctx := context.Background()
	if err := a.Send(ctx, start.Serialize()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Send(ctx, start.Serialize()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for back.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := back.ClientCount(); n != 1 {
		t.Fatalf("expected exactly one client after duplicate Start, got %d", n)
	}
}

func TestTransportDisconnectFansEndToAllClients(t *testing.T) {
	front, _, a, _ := startPair(t, echoRegistry())

	ctx := context.Background()
	streams := make([]*streamReader, 0, 3)
	var maxID chunk.ClientID
	for i := 0; i < 3; i++ {
		s, err := front.ConnectStream(ctx, "echo")
		if err != nil {
			t.Fatalf("ConnectStream #%d: %v", i, err)
		}
		if s.ClientID() > maxID {
			maxID = s.ClientID()
		}
		streams = append(streams, newStreamReader(s))
	}

	a.Close()

	for i, r := range streams {
		select {
		case err := <-r.result:
			if err != io.EOF {
				t.Fatalf("reader #%d: expected io.EOF, got %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("reader #%d did not observe EOF after transport disconnect", i)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for front.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := front.ClientCount(); n != 0 {
		t.Fatalf("client table not empty after disconnect: %d entries", n)
	}

	// Fresh connects keep allocating ids above everything handed out before
	// the disconnect.
	s, err := front.ConnectStream(ctx, "echo")
	if err != nil {
		t.Fatalf("ConnectStream after disconnect: %v", err)
	}
	defer s.Close()
	if s.ClientID() <= maxID {
		t.Fatalf("client id %d not greater than pre-disconnect max %d", s.ClientID(), maxID)
	}
}

type streamReader struct {
	result chan error
}

func newStreamReader(s io.Reader) *streamReader {
	r := &streamReader{result: make(chan error, 1)}
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := s.Read(buf); err != nil {
				r.result <- err
				return
			}
		}
	}()
	return r
}

// TestShutdownDuringDataDispatch races the shutdown fan-out against a
// dispatcher mid-send for a live client, the way a transport Disconnected
// event lands while Data is still flowing. Shutdown pushes End rather than
// closing the queue, so the concurrent send in handleData must survive; run
// with -race.
func TestShutdownDuringDataDispatch(t *testing.T) {
	a, b := transport.NewLoopPair(testLogger())
	defer a.Close()
	defer b.Close()
	m := New(testLogger(), a, nil)

	inbound := make(chan chunk.Chunk, InboundQueueDepth)
	m.mu.Lock()
	m.clients[5] = inbound
	m.mu.Unlock()

	data, err := chunk.EncodeData(5, []byte("x"))
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}

	// Dispatch Data continuously until the shutdown fan-out clears the
	// table, guaranteeing sends overlap the Shutdown call.
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		for m.ClientCount() > 0 {
			m.handleData(context.Background(), data)
		}
	}()

	// Drain the queue like a live consumer, noting the End pushed by the
	// shutdown fan-out.
	sawEnd := make(chan struct{})
	go func() {
		ended := false
		for {
			select {
			case c := <-inbound:
				if c.Kind() == chunk.End && !ended {
					ended = true
					close(sawEnd)
				}
			case <-dispatcherDone:
				// The shutdown End may still be queued behind buffered
				// Data, or blocked mid-push.
				for !ended {
					c := <-inbound
					if c.Kind() == chunk.End {
						ended = true
						close(sawEnd)
					}
				}
				return
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	m.Shutdown()

	select {
	case <-sawEnd:
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer never observed the shutdown End")
	}
	select {
	case <-dispatcherDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher wedged after shutdown")
	}
	if n := m.ClientCount(); n != 0 {
		t.Fatalf("client table not empty after shutdown: %d entries", n)
	}
}

// TestFullInboundQueueBlocksDispatch pins down the head-of-line behavior: a
// consumer that never reads lets its 16-deep queue fill, after which the
// dispatch goroutine stalls on the next Data chunk for that client.
func TestFullInboundQueueBlocksDispatch(t *testing.T) {
	m := New(testLogger(), nil, nil)

	inbound := make(chan chunk.Chunk, InboundQueueDepth)
	m.mu.Lock()
	m.clients[7] = inbound
	m.mu.Unlock()

	data, err := chunk.EncodeData(7, []byte("x"))
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	for i := 0; i < InboundQueueDepth; i++ {
		m.handleData(context.Background(), data)
	}

	blocked := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		m.handleData(ctx, data)
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatalf("dispatch did not block on a full inbound queue")
	case <-time.After(100 * time.Millisecond):
	}

	// Draining one chunk unblocks the stalled dispatch.
	<-inbound
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch still blocked after the consumer drained")
	}
}
