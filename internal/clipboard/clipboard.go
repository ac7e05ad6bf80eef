// Package clipboard implements soxy's clipboard bridge: a line-oriented
// local protocol (READ, WRITE <text>, QUIT) terminated on the frontend, and
// a backend handler that calls into a host clipboard provider, bridged by an
// internal one-command-one-reply sub-protocol.
//
// Actual OS clipboard access lives behind the Provider seam so platform
// integration stays out of this package; InMemoryProvider is the seam's
// deterministic stand-in used by the standalone harness and tests.
package clipboard

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/wb-airbus/soxy/internal/registry"
	"github.com/wb-airbus/soxy/soxylog"
)

// ServiceName is the Start-chunk service name for clipboard.
const ServiceName = "clipboard"

// DefaultPort is the frontend listener's default bind port.
const DefaultPort = 3032

// CommandKind tags the frontend->backend internal command.
type CommandKind uint8

const (
	CmdRead      CommandKind = 0x00
	CmdWriteText CommandKind = 0x01
)

// Command is the frontend->backend internal message.
type Command struct {
	Kind CommandKind
	Text []byte
}

func writeCommand(w io.Writer, cmd Command) error {
	if _, err := w.Write([]byte{byte(cmd.Kind)}); err != nil {
		return err
	}
	if cmd.Kind == CmdWriteText {
		return writeLenPrefixed(w, cmd.Text)
	}
	return nil
}

func readCommand(r io.Reader) (Command, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return Command{}, err
	}
	kind := CommandKind(kindBuf[0])
	if kind == CmdWriteText {
		text, err := readLenPrefixed(r)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: kind, Text: text}, nil
	}
	return Command{Kind: kind}, nil
}

// ResponseKind tags the backend->frontend internal reply.
type ResponseKind uint8

const (
	RespText      ResponseKind = 0x00
	RespFailed    ResponseKind = 0x01
	RespWriteDone ResponseKind = 0x02
)

// Response is the backend->frontend internal message.
type Response struct {
	Kind ResponseKind
	Text []byte
}

func writeResponse(w io.Writer, resp Response) error {
	if _, err := w.Write([]byte{byte(resp.Kind)}); err != nil {
		return err
	}
	if resp.Kind == RespText {
		return writeLenPrefixed(w, resp.Text)
	}
	return nil
}

func readResponse(r io.Reader) (Response, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return Response{}, err
	}
	kind := ResponseKind(kindBuf[0])
	if kind == RespText {
		text, err := readLenPrefixed(r)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: kind, Text: text}, nil
	}
	return Response{Kind: kind}, nil
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

// Provider is the host clipboard API the backend calls into.
type Provider interface {
	ReadClipboard() ([]byte, error)
	WriteClipboard(text []byte) error
}

// InMemoryProvider is a deterministic Provider backed by a process-local
// buffer, used by the standalone harness and by tests in place of a real
// platform clipboard.
type InMemoryProvider struct {
	mu   sync.Mutex
	text []byte
}

// ReadClipboard implements Provider.
func (p *InMemoryProvider) ReadClipboard() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.text))
	copy(out, p.text)
	return out, nil
}

// WriteClipboard implements Provider.
func (p *InMemoryProvider) WriteClipboard(text []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.text = append([]byte(nil), text...)
	return nil
}

// BackendHandle implements the backend side: it reads exactly one Command
// and replies once.
func BackendHandle(ctx context.Context, s registry.Streamer, provider Provider, logger soxylog.Logger) {
	log := logger.Fork("clipboard-backend %08x", s.ClientID())

	cmd, err := readCommand(s)
	if err != nil {
		if err != io.EOF {
			log.WLogf("reading command failed: %v", err)
		}
		return
	}

	var resp Response
	switch cmd.Kind {
	case CmdRead:
		text, err := provider.ReadClipboard()
		if err != nil {
			log.WLogf("clipboard read failed: %v", err)
			resp = Response{Kind: RespFailed}
		} else {
			resp = Response{Kind: RespText, Text: text}
		}
	case CmdWriteText:
		if err := provider.WriteClipboard(cmd.Text); err != nil {
			log.WLogf("clipboard write failed: %v", err)
			resp = Response{Kind: RespFailed}
		} else {
			resp = Response{Kind: RespWriteDone}
		}
	}
	if err := writeResponse(s, resp); err != nil {
		log.WLogf("writing response failed: %v", err)
		return
	}
	if err := s.Flush(); err != nil {
		log.WLogf("flushing response failed: %v", err)
	}
}

// Handle implements the frontend side: a line-oriented local protocol
// (READ, WRITE <text>, QUIT) over one accepted local TCP client.
func Handle(ctx context.Context, conn net.Conn, dialer registry.Dialer, logger soxylog.Logger) {
	defer conn.Close()
	log := logger.Fork("clipboard-frontend")

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb, arg := splitFirstWord(line)

		switch strings.ToUpper(verb) {
		case "QUIT":
			return
		case "READ":
			runRead(ctx, conn, dialer, log)
		case "WRITE":
			runWrite(ctx, conn, dialer, []byte(arg), log)
		default:
			fmt.Fprintf(conn, "ERR unknown command %q\n", verb)
		}
	}
}

func splitFirstWord(line string) (first, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}

func runRead(ctx context.Context, conn io.Writer, dialer registry.Dialer, log soxylog.Logger) {
	s, err := dialer.Connect(ctx, ServiceName)
	if err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	defer s.Close()

	if err := writeCommand(s, Command{Kind: CmdRead}); err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	if err := s.Flush(); err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	resp, err := readResponse(s)
	if err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	switch resp.Kind {
	case RespText:
		fmt.Fprintf(conn, "OK %s\n", resp.Text)
	default:
		fmt.Fprintf(conn, "ERR clipboard read failed\n")
	}
}

func runWrite(ctx context.Context, conn io.Writer, dialer registry.Dialer, text []byte, log soxylog.Logger) {
	s, err := dialer.Connect(ctx, ServiceName)
	if err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	defer s.Close()

	if err := writeCommand(s, Command{Kind: CmdWriteText, Text: text}); err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	if err := s.Flush(); err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	resp, err := readResponse(s)
	if err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	if resp.Kind != RespWriteDone {
		fmt.Fprintf(conn, "ERR clipboard write failed\n")
		return
	}
	fmt.Fprintf(conn, "OK\n")
}
