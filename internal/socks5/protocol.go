// Package socks5 implements soxy's SOCKS5 service: a frontend SOCKS5
// (RFC 1928) protocol terminator and a backend connect/bind executor,
// bridged by an internal command/response sub-protocol carried over one
// logical stream per proxied client.
package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ServiceName is the Start-chunk service name for SOCKS5.
const ServiceName = "socks5"

// CommandKind tags the frontend->backend internal command.
type CommandKind uint8

const (
	// CmdConnect asks the backend to dial Target and relay bytes.
	CmdConnect CommandKind = 0x01
	// CmdBind asks the backend to listen, accept one peer, and relay bytes.
	CmdBind CommandKind = 0x02
)

// Command is the frontend->backend internal message, wire-encoded as
// {kind u8, [u32 len, utf8 target]}; Target is only present for CmdConnect.
type Command struct {
	Kind   CommandKind
	Target string
}

// WriteCommand serializes cmd onto w.
func WriteCommand(w io.Writer, cmd Command) error {
	if _, err := w.Write([]byte{byte(cmd.Kind)}); err != nil {
		return err
	}
	if cmd.Kind == CmdConnect {
		return writeLenPrefixed(w, []byte(cmd.Target))
	}
	return nil
}

// ReadCommand decodes one Command from r.
func ReadCommand(r io.Reader) (Command, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return Command{}, err
	}
	kind := CommandKind(kindBuf[0])
	switch kind {
	case CmdConnect:
		target, err := readLenPrefixed(r)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: kind, Target: string(target)}, nil
	case CmdBind:
		return Command{Kind: kind}, nil
	default:
		return Command{}, fmt.Errorf("socks5: unknown command kind 0x%02x", kind)
	}
}

// ResponseKind tags the backend->frontend internal reply.
type ResponseKind uint8

const (
	// RespOk carries a SOCKS5-encoded address (the bound/peer address).
	RespOk ResponseKind = 0x00
	// RespNetworkUnreachable maps a dial failure to ENETUNREACH.
	RespNetworkUnreachable ResponseKind = 0x01
	// RespHostUnreachable maps a dial failure to EHOSTUNREACH.
	RespHostUnreachable ResponseKind = 0x02
	// RespConnectionRefused maps a dial failure to ECONNREFUSED.
	RespConnectionRefused ResponseKind = 0x03
	// RespBindFailed reports a backend bind()/listen() failure.
	RespBindFailed ResponseKind = 0x04
)

// Response is the backend->frontend internal message, wire-encoded as
// {kind u8, [u32 len, bytes]}; the length-prefixed bytes are only present
// for RespOk and hold a SOCKS5-style ATYP+address+port encoding.
type Response struct {
	Kind ResponseKind
	Addr []byte
}

// WriteResponse serializes resp onto w.
func WriteResponse(w io.Writer, resp Response) error {
	if _, err := w.Write([]byte{byte(resp.Kind)}); err != nil {
		return err
	}
	if resp.Kind == RespOk {
		return writeLenPrefixed(w, resp.Addr)
	}
	return nil
}

// ReadResponse decodes one Response from r.
func ReadResponse(r io.Reader) (Response, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return Response{}, err
	}
	kind := ResponseKind(kindBuf[0])
	if kind == RespOk {
		addr, err := readLenPrefixed(r)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: kind, Addr: addr}, nil
	}
	return Response{Kind: kind}, nil
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeAddr builds the SOCKS5 ATYP+address+port encoding used inside
// RespOk's Addr field: 1 byte ATYP (0x01 IPv4, 0x04 IPv6), raw address
// bytes, then a big-endian port.
func EncodeAddr(ip []byte, port int) []byte {
	var atyp byte
	switch len(ip) {
	case 4:
		atyp = 0x01
	case 16:
		atyp = 0x04
	default:
		// Defensive fallback: treat anything else as a v4-mapped zero addr
		// rather than panicking on an exotic net.IP representation.
		atyp = 0x01
		ip = []byte{0, 0, 0, 0}
	}
	out := make([]byte, 1+len(ip)+2)
	out[0] = atyp
	copy(out[1:], ip)
	binary.BigEndian.PutUint16(out[1+len(ip):], uint16(port))
	return out
}
