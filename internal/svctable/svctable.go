// Package svctable assembles soxy's compile-time service registry from each
// service package's frontend/backend handlers and default ports. It is the
// single place frontend and backend wiring import to build a
// registry.Registry and to bind the frontend's local TCP listeners.
package svctable

import (
	"context"
	"net"
	"strconv"

	"github.com/wb-airbus/soxy/internal/clipboard"
	"github.com/wb-airbus/soxy/internal/ftp"
	"github.com/wb-airbus/soxy/internal/metrics"
	"github.com/wb-airbus/soxy/internal/registry"
	"github.com/wb-airbus/soxy/internal/sessionid"
	"github.com/wb-airbus/soxy/internal/shell"
	"github.com/wb-airbus/soxy/internal/socks5"
	"github.com/wb-airbus/soxy/internal/uploader"
	"github.com/wb-airbus/soxy/soxylog"
)

// Backend builds the registry used by the backend multiplexer: every
// service's backend handler, bound to logger.
func Backend(logger soxylog.Logger, clipboardProvider clipboard.Provider) *registry.Registry {
	return registry.New(
		&registry.Descriptor{
			Name: socks5.ServiceName,
			Backend: func(ctx context.Context, s registry.Streamer) {
				socks5.BackendHandle(ctx, s, logger)
			},
		},
		&registry.Descriptor{
			Name: ftp.ServiceName,
			Backend: func(ctx context.Context, s registry.Streamer) {
				ftp.BackendHandle(ctx, s, logger)
			},
		},
		&registry.Descriptor{
			Name: clipboard.ServiceName,
			Backend: func(ctx context.Context, s registry.Streamer) {
				clipboard.BackendHandle(ctx, s, clipboardProvider, logger)
			},
		},
		&registry.Descriptor{
			Name: shell.ServiceName,
			Backend: func(ctx context.Context, s registry.Streamer) {
				shell.BackendHandle(ctx, s, logger)
			},
		},
		&registry.Descriptor{
			Name: uploader.ServiceName,
			Backend: func(ctx context.Context, s registry.Streamer) {
				uploader.BackendHandle(ctx, s, logger)
			},
		},
	)
}

// Frontend builds the registry used to enumerate and bind local TCP
// listeners on the frontend. Only Frontend and Name are meaningful here;
// Backend is left nil.
func Frontend(logger soxylog.Logger) *registry.Registry {
	return registry.New(
		&registry.Descriptor{
			Name: socks5.ServiceName,
			Frontend: &registry.TCPFrontend{
				DefaultPort: socks5.DefaultPort,
				Handler: func(ctx context.Context, conn net.Conn, dialer registry.Dialer) {
					socks5.Handle(ctx, conn, dialer, logger)
				},
			},
		},
		&registry.Descriptor{
			Name: ftp.ServiceName,
			Frontend: &registry.TCPFrontend{
				DefaultPort: ftp.DefaultPort,
				Handler: func(ctx context.Context, conn net.Conn, dialer registry.Dialer) {
					ftp.Handle(ctx, conn, dialer, logger)
				},
			},
		},
		&registry.Descriptor{
			Name: clipboard.ServiceName,
			Frontend: &registry.TCPFrontend{
				DefaultPort: clipboard.DefaultPort,
				Handler: func(ctx context.Context, conn net.Conn, dialer registry.Dialer) {
					clipboard.Handle(ctx, conn, dialer, logger)
				},
			},
		},
		&registry.Descriptor{
			Name: shell.ServiceName,
			Frontend: &registry.TCPFrontend{
				DefaultPort: shell.DefaultPort,
				Handler: func(ctx context.Context, conn net.Conn, dialer registry.Dialer) {
					shell.Handle(ctx, conn, dialer, logger)
				},
			},
		},
		&registry.Descriptor{
			Name: uploader.ServiceName,
			Frontend: &registry.TCPFrontend{
				DefaultPort: uploader.DefaultPort,
				Handler: func(ctx context.Context, conn net.Conn, dialer registry.Dialer) {
					uploader.Handle(ctx, conn, dialer, logger)
				},
			},
		},
	)
}

// Observer bundles the optional instrumentation the accept loops feed:
// per-service relayed byte counters and kernel TCP_INFO sampling of each
// accepted connection. Any field (or the whole Observer) may be nil.
type Observer struct {
	Metrics *metrics.Metrics
	TCPInfo *metrics.TCPInfoCollector
}

// Listen binds a TCP listener on 127.0.0.1:<DefaultPort> for every
// descriptor in reg that has a Frontend, and accepts connections in a loop
// until ctx is cancelled. Each accepted connection is handled on its own
// goroutine. obs may be nil.
func Listen(ctx context.Context, logger soxylog.Logger, reg *registry.Registry, dialer registry.Dialer, obs *Observer) error {
	for _, desc := range reg.All() {
		if desc.Frontend == nil {
			continue
		}
		ln, err := net.Listen("tcp", addrFor(desc.Frontend.DefaultPort))
		if err != nil {
			return err
		}
		logger.ILogf("%s listening on %s", desc.Name, ln.Addr())
		stats := &soxylog.ConnStats{}
		go acceptLoop(ctx, logger, desc.Name, ln, desc.Frontend.Handler, dialer, stats, obs)
		go func(ln net.Listener) {
			<-ctx.Done()
			ln.Close()
		}(ln)
	}
	return nil
}

func addrFor(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// acceptLoop accepts connections for one service's frontend listener. Each
// accepted connection gets a correlation id for its log lines and, when an
// Observer is present, is tracked for TCP_INFO sampling and wrapped so its
// relayed bytes feed the per-service counters.
func acceptLoop(ctx context.Context, logger soxylog.Logger, name string, ln net.Listener, handler registry.FrontendHandler, dialer registry.Dialer, stats *soxylog.ConnStats, obs *Observer) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.WLogf("accept on %s failed: %v", ln.Addr(), err)
				return
			}
		}
		n := stats.New()
		stats.Open()
		cid := sessionid.New()
		logger.DLogf("%s: new client #%d (%s) from %s %s", name, n, cid, conn.RemoteAddr(), stats)
		go func(conn net.Conn) {
			defer stats.Close()
			if obs != nil {
				if obs.TCPInfo != nil {
					obs.TCPInfo.Add(conn, []string{name})
					defer obs.TCPInfo.Remove(conn)
				}
				if obs.Metrics != nil {
					conn = obs.Metrics.CountConn(conn, name)
				}
			}
			handler(ctx, conn, dialer)
		}(conn)
	}
}
