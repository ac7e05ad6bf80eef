package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/wb-airbus/soxy/internal/registry"
	"github.com/wb-airbus/soxy/soxylog"
)

// BackendHandle reads the internal Command, executes it against the real
// network, replies, and (on success) relays bytes until the stream or the
// real connection closes.
func BackendHandle(ctx context.Context, s registry.Streamer, logger soxylog.Logger) {
	log := logger.Fork("socks5-backend %08x", s.ClientID())

	cmd, err := ReadCommand(s)
	if err != nil {
		log.WLogf("reading command failed: %v", err)
		return
	}

	switch cmd.Kind {
	case CmdConnect:
		handleConnect(s, cmd.Target, log)
	case CmdBind:
		handleBind(s, log)
	}
}

func handleConnect(s registry.Streamer, target string, log soxylog.Logger) {
	conn, err := net.Dial("tcp", target)
	if err != nil {
		log.WLogf("dial %s failed: %v", target, err)
		_ = writeResponseFlush(s, Response{Kind: classifyDialError(err)})
		return
	}
	defer conn.Close()

	local := conn.LocalAddr().(*net.TCPAddr)
	if err := writeResponseFlush(s, Response{Kind: RespOk, Addr: EncodeAddr(canonicalIP(local.IP), local.Port)}); err != nil {
		log.WLogf("writing Ok response failed: %v", err)
		return
	}

	relayBackend(s, conn)
}

// writeResponseFlush emits one Response and flushes it so the frontend,
// blocked on ReadResponse, sees it immediately.
func writeResponseFlush(s registry.Streamer, resp Response) error {
	if err := WriteResponse(s, resp); err != nil {
		return err
	}
	return s.Flush()
}

func handleBind(s registry.Streamer, log soxylog.Logger) {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		log.WLogf("bind failed: %v", err)
		_ = writeResponseFlush(s, Response{Kind: RespBindFailed})
		return
	}
	defer ln.Close()

	bound := ln.Addr().(*net.TCPAddr)
	if err := writeResponseFlush(s, Response{Kind: RespOk, Addr: EncodeAddr(canonicalIP(bound.IP), bound.Port)}); err != nil {
		return
	}

	conn, err := ln.Accept()
	if err != nil {
		log.WLogf("accept failed: %v", err)
		_ = writeResponseFlush(s, Response{Kind: RespBindFailed})
		return
	}
	defer conn.Close()

	peer := conn.RemoteAddr().(*net.TCPAddr)
	if err := writeResponseFlush(s, Response{Kind: RespOk, Addr: EncodeAddr(canonicalIP(peer.IP), peer.Port)}); err != nil {
		return
	}

	relayBackend(s, conn)
}

// canonicalIP returns ip's 4-byte form when it has one, else its 16-byte
// form, so EncodeAddr can pick the right SOCKS5 ATYP.
func canonicalIP(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// classifyDialError maps an OS dial failure onto the internal Response
// vocabulary.
func classifyDialError(err error) ResponseKind {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED:
			return RespConnectionRefused
		case syscall.ENETUNREACH:
			return RespNetworkUnreachable
		case syscall.EHOSTUNREACH:
			return RespHostUnreachable
		}
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return RespConnectionRefused
		}
	}
	return RespHostUnreachable
}

func relayBackend(s registry.Streamer, conn net.Conn) {
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
