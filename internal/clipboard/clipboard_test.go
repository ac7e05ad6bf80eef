package clipboard

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/wb-airbus/soxy/internal/chunk"
	"github.com/wb-airbus/soxy/internal/registry"
	"github.com/wb-airbus/soxy/soxylog"
)

func testLogger() soxylog.Logger {
	return soxylog.New("test", soxylog.LogLevelError)
}

type pipeStream struct {
	net.Conn
	id chunk.ClientID
}

func (p *pipeStream) ClientID() chunk.ClientID { return p.id }
func (p *pipeStream) Service() string          { return ServiceName }
func (p *pipeStream) Flush() error             { return nil }

type fakeDialer struct {
	streams chan registry.Streamer
}

func (d *fakeDialer) Connect(ctx context.Context, service string) (registry.Streamer, error) {
	return <-d.streams, nil
}

func TestBackendReadAndWrite(t *testing.T) {
	provider := &InMemoryProvider{}
	if err := provider.WriteClipboard([]byte("seeded")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Read command.
	near, far := net.Pipe()
	go BackendHandle(context.Background(), &pipeStream{Conn: far, id: 1}, provider, testLogger())
	if err := writeCommand(near, Command{Kind: CmdRead}); err != nil {
		t.Fatalf("writeCommand: %v", err)
	}
	resp, err := readResponse(near)
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if resp.Kind != RespText || string(resp.Text) != "seeded" {
		t.Fatalf("read response = %+v", resp)
	}
	near.Close()

	// Write command.
	near, far = net.Pipe()
	go BackendHandle(context.Background(), &pipeStream{Conn: far, id: 2}, provider, testLogger())
	if err := writeCommand(near, Command{Kind: CmdWriteText, Text: []byte("replaced")}); err != nil {
		t.Fatalf("writeCommand: %v", err)
	}
	resp, err = readResponse(near)
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if resp.Kind != RespWriteDone {
		t.Fatalf("write response = %+v", resp)
	}
	near.Close()

	got, err := provider.ReadClipboard()
	if err != nil || string(got) != "replaced" {
		t.Fatalf("provider content = %q, %v", got, err)
	}
}

func TestFrontendLineProtocol(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	provider := &InMemoryProvider{}
	dialer := &fakeDialer{streams: make(chan registry.Streamer, 2)}

	// Each frontend command opens a fresh logical stream; hand it a live
	// backend per expected command.
	for i := 0; i < 2; i++ {
		near, far := net.Pipe()
		dialer.streams <- &pipeStream{Conn: near, id: chunk.ClientID(i)}
		go BackendHandle(context.Background(), &pipeStream{Conn: far, id: chunk.ClientID(i)}, provider, testLogger())
	}

	go Handle(context.Background(), server, dialer, testLogger())

	r := bufio.NewReader(client)
	if _, err := client.Write([]byte("WRITE hello from the local side\n")); err != nil {
		t.Fatalf("WRITE: %v", err)
	}
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read WRITE reply: %v", err)
	}
	if strings.TrimSpace(line) != "OK" {
		t.Fatalf("WRITE reply = %q", line)
	}

	if _, err := client.Write([]byte("READ\n")); err != nil {
		t.Fatalf("READ: %v", err)
	}
	line, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("read READ reply: %v", err)
	}
	if line != "OK hello from the local side\n" {
		t.Fatalf("READ reply = %q", line)
	}

	if _, err := client.Write([]byte("QUIT\n")); err != nil {
		t.Fatalf("QUIT: %v", err)
	}
}
