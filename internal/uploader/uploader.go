// Package uploader implements soxy's ad-hoc file uploader ("stage0"): a
// line-oriented command pushes a local file's contents straight into a
// logical stream; the backend drains and counts bytes. It is useful as a
// one-way bootstrap transport, e.g. for staging a larger payload into the
// remote session before richer services are available.
package uploader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/wb-airbus/soxy/internal/registry"
	"github.com/wb-airbus/soxy/soxylog"
)

// ServiceName is the Start-chunk service name for the uploader.
const ServiceName = "stage0"

// DefaultPort is the frontend listener's default bind port.
const DefaultPort = 1081

// BackendHandle implements the backend side: it drains the logical stream
// to EOF, counting bytes, and logs the total transferred.
func BackendHandle(ctx context.Context, s registry.Streamer, logger soxylog.Logger) {
	log := logger.Fork("stage0-backend %08x", s.ClientID())

	start := time.Now()
	n, err := io.Copy(io.Discard, s)
	if err != nil {
		log.WLogf("upload failed after %s: %v", sizestr.ToString(n), err)
		return
	}
	log.ILogf("upload complete: %s in %s", sizestr.ToString(n), time.Since(start))
}

// Handle implements the frontend side: a line-oriented local protocol
// (`PUT <local-path>`) over one accepted local TCP client. It opens the
// named local file, streams it into a fresh logical stream, and reports
// completion back to the local client.
func Handle(ctx context.Context, conn net.Conn, dialer registry.Dialer, logger soxylog.Logger) {
	defer conn.Close()
	log := logger.Fork("stage0-frontend")

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return
	}
	verb, arg := splitFirstWord(strings.TrimRight(line, "\r\n"))
	if strings.ToUpper(verb) != "PUT" || arg == "" {
		fmt.Fprintf(conn, "ERR usage: PUT <local-path>\n")
		return
	}

	f, err := os.Open(arg)
	if err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	defer f.Close()

	s, err := dialer.Connect(ctx, ServiceName)
	if err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	defer s.Close()

	n, err := io.Copy(s, f)
	if err != nil {
		log.WLogf("upload of %s failed after %s: %v", arg, sizestr.ToString(n), err)
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	fmt.Fprintf(conn, "OK %d\n", n)
}

func splitFirstWord(line string) (first, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}
