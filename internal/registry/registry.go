// Package registry implements soxy's service registry: a compile-time table
// of service descriptors, each carrying an ASCII name used in Start chunks,
// an optional frontend TCP listener binding, and a backend handler invoked
// on inbound Start.
package registry

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/wb-airbus/soxy/internal/chunk"
	"github.com/wb-airbus/soxy/internal/soxyerr"
)

// Streamer is the narrow capability a backend handler or frontend dialer
// needs: something that behaves like a duplex, closable byte stream bound to
// one ClientID. Satisfied by *stream.Stream without importing it here, to
// avoid a dependency cycle (mux imports both registry and stream).
//
// Writes accumulate until a full chunk's worth of payload is buffered;
// request/response protocol code must call Flush after each message so the
// peer sees it without waiting for the accumulator to fill.
type Streamer interface {
	ClientID() chunk.ClientID
	Service() string
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Close() error
}

// Flushing wraps s so every Write is immediately flushed to the transport.
// Relay loops between a real socket and a Streamer use this: each block read
// from the socket must reach the peer promptly, not sit in the accumulator
// waiting for more traffic.
func Flushing(s Streamer) io.Writer {
	return flushWriter{s}
}

type flushWriter struct{ s Streamer }

func (w flushWriter) Write(p []byte) (int, error) {
	n, err := w.s.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.s.Flush()
}

// BackendHandler is invoked by the backend multiplexer once per inbound
// Start chunk naming this service. It owns s until it returns; s is already
// Connected (Start was observed) when handed over.
type BackendHandler func(ctx context.Context, s Streamer)

// Dialer is the narrow capability a frontend TCP handler needs to open a new
// logical stream for a given service name. Satisfied by *mux.Multiplexer.
type Dialer interface {
	Connect(ctx context.Context, service string) (Streamer, error)
}

// FrontendHandler is invoked once per accepted local TCP client on a
// service's frontend listener.
type FrontendHandler func(ctx context.Context, conn net.Conn, dialer Dialer)

// TCPFrontend describes the local listener a service binds on the frontend.
type TCPFrontend struct {
	// DefaultPort is the default bind port.
	DefaultPort int
	// Handler is invoked per accepted connection.
	Handler FrontendHandler
}

// Descriptor is an immutable service record.
type Descriptor struct {
	// Name is the ASCII service name carried in Start payloads. Must be at
	// most chunk.MaxPayloadLength bytes.
	Name string
	// Frontend is nil for services with no local TCP surface (none defined
	// today, but the registry supports it).
	Frontend *TCPFrontend
	// Backend is invoked by the backend multiplexer on each inbound Start
	// naming this service. Nil only makes sense for frontend-only test
	// descriptors.
	Backend BackendHandler
}

// Registry is an immutable, name-keyed table of Descriptors.
type Registry struct {
	byName map[string]*Descriptor
	order  []*Descriptor
}

// New builds a Registry from descriptors. It panics on a duplicate name or a
// name exceeding chunk.MaxPayloadLength, since both are programmer errors
// caught at process startup, never at runtime.
func New(descriptors ...*Descriptor) *Registry {
	r := &Registry{byName: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if len(d.Name) > chunk.MaxPayloadLength {
			panic(fmt.Sprintf("registry: service name %q exceeds max length", d.Name))
		}
		if _, dup := r.byName[d.Name]; dup {
			panic(fmt.Sprintf("registry: duplicate service name %q", d.Name))
		}
		r.byName[d.Name] = d
		r.order = append(r.order, d)
	}
	return r
}

// Lookup returns the descriptor named name, or ErrUnknownService.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("registry: service %q: %w", name, soxyerr.ErrUnknownService)
	}
	return d, nil
}

// All returns every registered descriptor, in registration order.
func (r *Registry) All() []*Descriptor {
	out := make([]*Descriptor, len(r.order))
	copy(out, r.order)
	return out
}
