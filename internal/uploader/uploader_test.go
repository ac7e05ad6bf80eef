package uploader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
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

func TestPutStreamsFileContents(t *testing.T) {
	content := bytes.Repeat([]byte("stage0-payload-"), 200)
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()

	near, far := net.Pipe()
	dialer := &fakeDialer{streams: make(chan registry.Streamer, 1)}
	dialer.streams <- &pipeStream{Conn: near, id: 1}

	go Handle(context.Background(), server, dialer, testLogger())

	// Drain the far end the way the backend does, counting bytes.
	counted := make(chan int64, 1)
	go func() {
		n, _ := io.Copy(io.Discard, far)
		counted <- n
	}()

	if _, err := client.Write([]byte(fmt.Sprintf("PUT %s\n", path))); err != nil {
		t.Fatalf("write PUT: %v", err)
	}
	line, err := bufio.NewReader(client).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	want := fmt.Sprintf("OK %d\n", len(content))
	if line != want {
		t.Fatalf("reply = %q, want %q", line, want)
	}
	if n := <-counted; n != int64(len(content)) {
		t.Fatalf("backend drained %d bytes, want %d", n, len(content))
	}
}

func TestPutRejectsMissingFile(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	dialer := &fakeDialer{streams: make(chan registry.Streamer, 1)}
	go Handle(context.Background(), server, dialer, testLogger())

	if _, err := client.Write([]byte("PUT /does/not/exist\n")); err != nil {
		t.Fatalf("write PUT: %v", err)
	}
	line, err := bufio.NewReader(client).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !strings.HasPrefix(line, "ERR") {
		t.Fatalf("reply = %q, want ERR prefix", line)
	}
}
