package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/wb-airbus/soxy/internal/registry"
	"github.com/wb-airbus/soxy/soxylog"
)

// DefaultPort is the frontend TCP listener's default bind port.
const DefaultPort = 1080

const (
	socksVersion5 = 0x05
	methodNoAuth  = 0x00
	methodNone    = 0xFF

	cmdConnect = 0x01
	cmdBind    = 0x02

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded       = 0x00
	repGeneralFailure  = 0x01
	repNetworkUnreach  = 0x03
	repHostUnreach     = 0x04
	repConnRefused     = 0x05
	repCmdNotSupported = 0x07
)

// Handle terminates the SOCKS5 protocol for one accepted local TCP client:
// greeting, request, internal command to the backend, reply translation,
// then bidirectional relay.
func Handle(ctx context.Context, conn net.Conn, dialer registry.Dialer, logger soxylog.Logger) {
	defer conn.Close()
	log := logger.Fork("socks5 %s", conn.RemoteAddr())

	if !greet(conn) {
		return
	}

	target, isBind, ok := readRequest(conn, log)
	if !ok {
		return
	}

	s, err := dialer.Connect(ctx, ServiceName)
	if err != nil {
		log.WLogf("connect to backend failed: %v", err)
		writeFailure(conn, repGeneralFailure)
		return
	}
	defer s.Close()

	var cmd Command
	if isBind {
		cmd = Command{Kind: CmdBind}
	} else {
		cmd = Command{Kind: CmdConnect, Target: target}
	}
	if err := WriteCommand(s, cmd); err != nil {
		log.WLogf("writing command to backend stream failed: %v", err)
		writeFailure(conn, repGeneralFailure)
		return
	}
	if err := s.Flush(); err != nil {
		writeFailure(conn, repGeneralFailure)
		return
	}

	resp, err := ReadResponse(s)
	if err != nil {
		log.WLogf("reading response from backend stream failed: %v", err)
		writeFailure(conn, repGeneralFailure)
		return
	}
	if resp.Kind != RespOk {
		writeFailure(conn, mapFailureReply(resp.Kind))
		return
	}
	if err := writeSuccessReply(conn, resp.Addr); err != nil {
		return
	}

	if isBind {
		// BIND: the backend re-replies with the peer's address once a
		// client connects, exactly mirroring the first reply.
		resp2, err := ReadResponse(s)
		if err != nil {
			log.WLogf("reading BIND second response failed: %v", err)
			return
		}
		if resp2.Kind != RespOk {
			writeFailure(conn, mapFailureReply(resp2.Kind))
			return
		}
		if err := writeSuccessReply(conn, resp2.Addr); err != nil {
			return
		}
	}

	relay(conn, s)
}

// greet reads the SOCKS5 greeting, requires the no-auth method, and replies.
func greet(conn net.Conn) bool {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return false
	}
	if hdr[0] != socksVersion5 {
		conn.Write([]byte{socksVersion5, methodNone})
		return false
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return false
	}
	ok := false
	for _, m := range methods {
		if m == methodNoAuth {
			ok = true
			break
		}
	}
	if !ok {
		conn.Write([]byte{socksVersion5, methodNone})
		return false
	}
	_, err := conn.Write([]byte{socksVersion5, methodNoAuth})
	return err == nil
}

// readRequest parses the SOCKS5 request and returns its target in
// "host:port" text form.
func readRequest(conn net.Conn, log soxylog.Logger) (target string, isBind bool, ok bool) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", false, false
	}
	if hdr[0] != socksVersion5 {
		writeFailure(conn, repGeneralFailure)
		return "", false, false
	}
	cmd := hdr[1]
	if cmd != cmdConnect && cmd != cmdBind {
		writeFailure(conn, repCmdNotSupported)
		return "", false, false
	}

	var host string
	switch hdr[3] {
	case atypIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", false, false
		}
		host = net.IP(b).String()
	case atypDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return "", false, false
		}
		b := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", false, false
		}
		host = string(b)
	case atypIPv6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", false, false
		}
		host = net.IP(b).String()
	default:
		log.WLogf("unsupported ATYP 0x%02x", hdr[3])
		writeFailure(conn, repGeneralFailure)
		return "", false, false
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(conn, portBuf[:]); err != nil {
		return "", false, false
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	return net.JoinHostPort(host, fmt.Sprint(port)), cmd == cmdBind, true
}

func mapFailureReply(kind ResponseKind) byte {
	switch kind {
	case RespNetworkUnreachable:
		return repNetworkUnreach
	case RespHostUnreachable:
		return repHostUnreach
	case RespConnectionRefused:
		return repConnRefused
	case RespBindFailed:
		return repGeneralFailure
	default:
		return repGeneralFailure
	}
}

func writeFailure(conn net.Conn, rep byte) {
	conn.Write([]byte{socksVersion5, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
}

func writeSuccessReply(conn net.Conn, addr []byte) error {
	out := make([]byte, 0, 4+len(addr))
	out = append(out, socksVersion5, repSucceeded, 0x00)
	out = append(out, addr...)
	_, err := conn.Write(out)
	return err
}

// relay runs the bidirectional copy between the local TCP client and the
// backend stream.
func relay(conn net.Conn, s registry.Streamer) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(registry.Flushing(s), conn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, s)
		done <- struct{}{}
	}()
	<-done
}
