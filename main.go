// Command soxy is the process entry point for soxy's in-process standalone
// mode: a frontend and a backend wired together over a loopback transport.
// The real frontend and backend are loaded by their respective hosts through
// the RDP/Citrix virtual channel entry points; this binary exists for local
// development and for exercising the core end-to-end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wb-airbus/soxy/internal/sessionid"
	"github.com/wb-airbus/soxy/internal/standalone"
	"github.com/wb-airbus/soxy/soxylog"
)

var help = `
  Usage: soxy [command] [--help]

  Commands:
    standalone - runs a frontend and a backend in one process, wired by an
                 in-process loopback instead of a real RDP/Citrix virtual
                 channel. Binds the usual frontend TCP ports (socks5:1080,
                 ftp:2021, clipboard:3032, command:3031, stage0:1081).

  Read more:
    https://github.com/wb-airbus/soxy
`

func sigIntHandler(ctx context.Context, cancel context.CancelFunc, logger soxylog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		logger.ILog("signal received; cancelling")
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

func main() {
	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	verbose := flag.Bool("v", false, "enable debug logging")
	metricsAddr := flag.String("metrics", "127.0.0.1:9641", "address for the Prometheus /metrics endpoint (empty to disable)")
	flag.Bool("help", false, "")
	flag.Bool("h", false, "")
	flag.Usage = func() {}
	flag.Parse()

	level := soxylog.LogLevelInfo
	if *verbose {
		level = soxylog.LogLevelDebug
	}
	logger := soxylog.New("soxy", level)
	logger.ILogf("session %s", sessionid.Process)

	args := flag.Args()
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "standalone":
		go sigIntHandler(ctx, ctxCancel, logger)
		if err := standalone.Run(ctx, logger, *metricsAddr); err != nil {
			logger.Fatalf("standalone exited: %v", err)
		}
	default:
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}
