// Package standalone wires a frontend Multiplexer and a backend Multiplexer
// together over an in-process LoopTransport pair instead of a real
// RDP/Citrix virtual channel, for local development and end-to-end
// exercising of the whole core in one process.
package standalone

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wb-airbus/soxy/internal/clipboard"
	"github.com/wb-airbus/soxy/internal/metrics"
	"github.com/wb-airbus/soxy/internal/mux"
	"github.com/wb-airbus/soxy/internal/shutdown"
	"github.com/wb-airbus/soxy/internal/svctable"
	"github.com/wb-airbus/soxy/internal/transport"
	"github.com/wb-airbus/soxy/soxylog"
)

// Run brings up a frontend and a backend in this process, connected by a
// LoopTransport pair, binds every service's frontend TCP listener, and
// blocks until ctx is cancelled. When metricsAddr is non-empty, a /metrics
// endpoint is served there.
func Run(ctx context.Context, logger soxylog.Logger, metricsAddr string) error {
	a, b := transport.NewLoopPair(logger)

	promReg := prometheus.NewRegistry()
	mt := metrics.New(promReg)
	tcpInfo := metrics.NewTCPInfoCollector([]string{"service"})
	promReg.MustRegister(tcpInfo)
	a.SetInFlightGauge(mt.InFlightSends)

	frontendReg := svctable.Frontend(logger)
	frontendMux := mux.New(logger.Fork("frontend"), a, nil)
	frontendMux.Instrument(mt)

	backendReg := svctable.Backend(logger, &clipboard.InMemoryProvider{})
	backendMux := mux.New(logger.Fork("backend"), b, backendReg)

	var h shutdown.Helper
	h.Init(logger.Fork("shutdown"), func(completionErr error) error {
		frontendMux.Shutdown()
		backendMux.Shutdown()
		a.Close()
		b.Close()
		return completionErr
	})

	obs := &svctable.Observer{Metrics: mt, TCPInfo: tcpInfo}
	if err := svctable.Listen(ctx, logger, frontendReg, frontendMux, obs); err != nil {
		return err
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metrics.HandlerFor(promReg)}
		go func() {
			logger.ILogf("metrics on http://%s/metrics", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WLogf("metrics server exited: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	go frontendMux.WatchTransportEvents(ctx)
	go backendMux.WatchTransportEvents(ctx)

	go func() {
		fr := transport.NewFrameReader(logger.Fork("frontend-framereader"), a)
		if err := frontendMux.Run(ctx, fr); err != nil {
			logger.WLogf("frontend mux exited: %v", err)
		}
	}()
	go func() {
		fr := transport.NewFrameReader(logger.Fork("backend-framereader"), b)
		if err := backendMux.Run(ctx, fr); err != nil {
			logger.WLogf("backend mux exited: %v", err)
		}
	}()

	a.SignalConnected()
	b.SignalConnected()

	<-ctx.Done()
	return h.Shutdown(nil)
}
