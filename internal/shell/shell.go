// Package shell implements soxy's remote shell bridge: the backend spawns a
// platform shell with piped stdio, and the frontend binds a local TCP port
// and runs a bidirectional copy between it and the shell's combined
// stdout/stderr and stdin.
//
// Process management itself (signal handling, pty allocation, platform
// shell discovery beyond the one-line default below) stays outside this
// package; it only wires os/exec's piped stdio to a logical stream.
package shell

import (
	"context"
	"io"
	"net"
	"os/exec"
	"runtime"
	"sync"

	"github.com/wb-airbus/soxy/internal/registry"
	"github.com/wb-airbus/soxy/soxylog"
)

// ServiceName is the Start-chunk service name for the shell bridge.
const ServiceName = "shell"

// DefaultPort is the frontend listener's default bind port.
const DefaultPort = 3031

// defaultShell returns the platform-appropriate interactive shell.
func defaultShell() (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd.exe", nil
	}
	return "/bin/sh", nil
}

// BackendHandle implements the backend side: spawn a shell with piped stdio
// and relay bytes between the logical stream and the process, until either
// side closes. Stdout and stderr multiplex into the same outbound half.
func BackendHandle(ctx context.Context, s registry.Streamer, logger soxylog.Logger) {
	log := logger.Fork("shell-backend %08x", s.ClientID())

	name, args := defaultShell()
	cmd := exec.CommandContext(ctx, name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.WLogf("stdin pipe failed: %v", err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.WLogf("stdout pipe failed: %v", err)
		return
	}
	cmd.Stderr = cmd.Stdout // multiplex stderr into the same outbound half

	if err := cmd.Start(); err != nil {
		log.WLogf("starting shell failed: %v", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(stdin, s)
		stdin.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(registry.Flushing(s), stdout)
	}()

	if err := cmd.Wait(); err != nil {
		log.DLogf("shell exited: %v", err)
	}
	wg.Wait()
}

// Handle implements the frontend side: an accepted local TCP client is
// relayed bidirectionally to the backend shell stream.
func Handle(ctx context.Context, conn net.Conn, dialer registry.Dialer, logger soxylog.Logger) {
	defer conn.Close()
	log := logger.Fork("shell-frontend")

	s, err := dialer.Connect(ctx, ServiceName)
	if err != nil {
		log.WLogf("connect to backend failed: %v", err)
		return
	}
	defer s.Close()

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
