package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/wb-airbus/soxy/internal/chunk"
	"github.com/wb-airbus/soxy/soxylog"
)

func testLogger() soxylog.Logger {
	return soxylog.New("test", soxylog.LogLevelError)
}

// scriptedTransport replays a fixed sequence of Recv blocks, for exercising
// the FrameReader against arbitrary (mis)alignments.
type scriptedTransport struct {
	blocks [][]byte
}

func (s *scriptedTransport) Send(ctx context.Context, frame []byte) error { return nil }

func (s *scriptedTransport) Recv(ctx context.Context) ([]byte, error) {
	if len(s.blocks) == 0 {
		return nil, io.EOF
	}
	b := s.blocks[0]
	s.blocks = s.blocks[1:]
	return b, nil
}

func (s *scriptedTransport) Events() <-chan LifecycleEvent { return nil }
func (s *scriptedTransport) Close() error                  { return nil }

func TestFrameReaderReassemblesSplitFrames(t *testing.T) {
	first, err := chunk.EncodeData(1, []byte("first frame payload"))
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	second, err := chunk.EncodeData(2, []byte("second"))
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	wire := append(first.Serialize(), second.Serialize()...)

	// Deliver the two frames as three blocks that split both of them
	// mid-frame.
	tr := &scriptedTransport{blocks: [][]byte{wire[:3], wire[3 : len(wire)-5], wire[len(wire)-5:]}}
	fr := NewFrameReader(testLogger(), tr)

	got1, err := fr.Next(context.Background())
	if err != nil {
		t.Fatalf("Next #1: %v", err)
	}
	if got1.ClientID() != 1 || !bytes.Equal(got1.Payload(), first.Payload()) {
		t.Fatalf("frame #1 mismatch: %v", got1)
	}

	got2, err := fr.Next(context.Background())
	if err != nil {
		t.Fatalf("Next #2: %v", err)
	}
	if got2.ClientID() != 2 || !bytes.Equal(got2.Payload(), second.Payload()) {
		t.Fatalf("frame #2 mismatch: %v", got2)
	}
}

func TestFrameReaderSkipsInvalidPrefix(t *testing.T) {
	// Resynchronization advances one byte at a time, so every shifted view
	// of the garbage (and of the frame's own client id bytes) must keep
	// presenting an invalid kind byte until the real frame start lines up.
	valid, err := chunk.EncodeData(0x04040404, []byte("ok"))
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	garbage := bytes.Repeat([]byte{0xff}, chunk.HeaderLength)
	tr := &scriptedTransport{blocks: [][]byte{append(garbage, valid.Serialize()...)}}
	fr := NewFrameReader(testLogger(), tr)

	got, err := fr.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.ClientID() != 0x04040404 || !bytes.Equal(got.Payload(), []byte("ok")) {
		t.Fatalf("expected the valid frame after skipping garbage, got %v", got)
	}
}

func TestInFlightTrackerBlocksAtBudget(t *testing.T) {
	tr := newInFlightTracker()
	ctx := context.Background()

	markers := make([]uint32, 0, MaxInFlightSends)
	for i := 0; i < MaxInFlightSends; i++ {
		m, err := tr.acquire(ctx, []byte{byte(i)})
		if err != nil {
			t.Fatalf("acquire #%d: %v", i, err)
		}
		markers = append(markers, m)
	}

	// The budget is exhausted: the next acquire must block until a release.
	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := tr.acquire(timeoutCtx, []byte{0xff}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded at full budget, got %v", err)
	}

	// Releasing the same marker twice frees exactly one permit.
	tr.release(markers[0])
	tr.release(markers[0])
	if _, err := tr.acquire(ctx, []byte{0xfe}); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	timeoutCtx2, cancel2 := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel2()
	if _, err := tr.acquire(timeoutCtx2, []byte{0xfd}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("double release minted an extra permit")
	}
}

func TestInFlightTrackerResetRefillsBudget(t *testing.T) {
	tr := newInFlightTracker()
	ctx := context.Background()
	for i := 0; i < MaxInFlightSends; i++ {
		if _, err := tr.acquire(ctx, nil); err != nil {
			t.Fatalf("acquire #%d: %v", i, err)
		}
	}
	tr.reset()
	for i := 0; i < MaxInFlightSends; i++ {
		if _, err := tr.acquire(ctx, nil); err != nil {
			t.Fatalf("acquire #%d after reset: %v", i, err)
		}
	}
}

// recordingCitrixWriter scripts per-call outcomes for CitrixTransport.Poll.
type recordingCitrixWriter struct {
	wrote   [][]byte
	noSpace int // reply "no output buffer" for the first noSpace calls
}

func (w *recordingCitrixWriter) CitrixWrite(frame []byte) (bool, error) {
	if w.noSpace > 0 {
		w.noSpace--
		return false, nil
	}
	w.wrote = append(w.wrote, frame)
	return true, nil
}

func TestCitrixPollDrainsAtMostEightFrames(t *testing.T) {
	w := &recordingCitrixWriter{}
	tr := NewCitrixTransport(testLogger(), w)
	ctx := context.Background()

	for i := 0; i < CitrixMaxFramesPerPoll+3; i++ {
		if err := tr.Send(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	status, err := tr.Poll()
	if err != nil || status != PollOK {
		t.Fatalf("Poll #1 = %v, %v", status, err)
	}
	if len(w.wrote) != CitrixMaxFramesPerPoll {
		t.Fatalf("first poll drained %d frames, want %d", len(w.wrote), CitrixMaxFramesPerPoll)
	}

	status, err = tr.Poll()
	if err != nil || status != PollOK {
		t.Fatalf("Poll #2 = %v, %v", status, err)
	}
	if len(w.wrote) != CitrixMaxFramesPerPoll+3 {
		t.Fatalf("second poll left frames queued: wrote %d", len(w.wrote))
	}
}

func TestCitrixPollRetainsFrameOnNoBuffer(t *testing.T) {
	w := &recordingCitrixWriter{noSpace: 1}
	tr := NewCitrixTransport(testLogger(), w)
	ctx := context.Background()

	if err := tr.Send(ctx, []byte{0xaa}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	status, err := tr.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if status != PollRetry {
		t.Fatalf("expected PollRetry on no-buffer, got %v", status)
	}
	if len(w.wrote) != 0 {
		t.Fatalf("frame written despite no-buffer signal")
	}

	// The retained frame goes out on the next poll, in order.
	status, err = tr.Poll()
	if err != nil || status != PollOK {
		t.Fatalf("retry Poll = %v, %v", status, err)
	}
	if len(w.wrote) != 1 || w.wrote[0][0] != 0xaa {
		t.Fatalf("retained frame not retried: %v", w.wrote)
	}
}

func TestMapHostEvent(t *testing.T) {
	cases := map[uint32]Event{
		HostEventInitialized:    EventInitialized,
		HostEventConnected:      EventConnected,
		HostEventDisconnected:   EventDisconnected,
		HostEventTerminated:     EventTerminated,
		HostEventWriteCancelled: EventWriteCancelled,
	}
	for code, want := range cases {
		got, ok := MapHostEvent(code)
		if !ok || got != want {
			t.Fatalf("MapHostEvent(%d) = %v, %v", code, got, ok)
		}
	}
	for _, code := range []uint32{HostEventDataReceived, HostEventWriteComplete, 99} {
		if _, ok := MapHostEvent(code); ok {
			t.Fatalf("MapHostEvent(%d) unexpectedly mapped to a lifecycle event", code)
		}
	}
}

// hostWriterFunc adapts a func to HostWriter.
type hostWriterFunc func(marker uint32, frame []byte) error

func (f hostWriterFunc) HostWrite(marker uint32, frame []byte) error { return f(marker, frame) }

func TestBasicTransportReleasesOnWriteComplete(t *testing.T) {
	var markers []uint32
	tr := NewBasicTransport(testLogger(), hostWriterFunc(func(marker uint32, frame []byte) error {
		markers = append(markers, marker)
		return nil
	}))
	ctx := context.Background()

	for i := 0; i < MaxInFlightSends; i++ {
		if err := tr.Send(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	// All permits are held until the host reports completion.
	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := tr.Send(timeoutCtx, []byte{0xff}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected Send to block at full budget, got %v", err)
	}

	tr.CompleteWrite(markers[0])
	if err := tr.Send(ctx, []byte{0xff}); err != nil {
		t.Fatalf("Send after WRITE_COMPLETE: %v", err)
	}
}

// shortWriter accepts at most 5 bytes per Write, for exercising the
// channel transport's partial-write retry.
type shortWriter struct {
	buf    bytes.Buffer
	closed bool
}

func (w *shortWriter) Read(p []byte) (int, error) { return 0, io.EOF }

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > 5 {
		p = p[:5]
	}
	return w.buf.Write(p)
}

func (w *shortWriter) Close() error {
	w.closed = true
	return nil
}

func TestChannelTransportRetriesShortWrites(t *testing.T) {
	w := &shortWriter{}
	tr := NewChannelTransport(testLogger(), w)
	defer tr.Close()

	frame := []byte("a frame much longer than five bytes")
	if err := tr.Send(context.Background(), frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(w.buf.Bytes(), frame) {
		t.Fatalf("short writes not fully retried: got %q", w.buf.Bytes())
	}
}

func TestChannelTransportSurfacesConnectedOnOpen(t *testing.T) {
	tr := NewChannelTransport(testLogger(), &shortWriter{})
	defer tr.Close()

	ev := <-tr.Events()
	if ev.Event != EventInitialized {
		t.Fatalf("first event = %v, want Initialized", ev.Event)
	}
	ev = <-tr.Events()
	if ev.Event != EventConnected {
		t.Fatalf("second event = %v, want Connected", ev.Event)
	}
}
