package ftp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strings"

	"github.com/wb-airbus/soxy/internal/registry"
	"github.com/wb-airbus/soxy/soxylog"
)

// dataJob describes one data-transfer command handed from the control
// dispatcher to the data-pump task.
type dataJob struct {
	tag  Tag
	path string
}

// dataOutcome is the data-pump's report back to the dispatcher.
type dataOutcome struct {
	err   error
	bytes int64
}

// session is one FTP client's frontend state: the logical current working
// directory, data-transfer mode, and the three tasks (control
// reader/dispatcher, control writer, data pump) wired by three depth-1
// channels.
type session struct {
	conn   net.Conn
	dialer registry.Dialer
	log    soxylog.Logger

	ctrl registry.Streamer // the control-carrying logical stream
	cwd  string
	typ  byte

	pasvLn net.Listener

	outbound chan string
	dataCmd  chan dataJob
	dataRes  chan dataOutcome
}

// Handle emulates the FTP control channel for one accepted local TCP client
// on the FTP control port.
func Handle(ctx context.Context, conn net.Conn, dialer registry.Dialer, logger soxylog.Logger) {
	defer conn.Close()

	s := &session{
		conn:     conn,
		dialer:   dialer,
		log:      logger.Fork("ftp %s", conn.RemoteAddr()),
		cwd:      "/",
		typ:      'A',
		outbound: make(chan string, 1),
		dataCmd:  make(chan dataJob, 1),
		dataRes:  make(chan dataOutcome, 1),
	}

	ctrlStream, err := dialer.Connect(ctx, ServiceName)
	if err != nil {
		s.log.WLogf("connect to backend failed: %v", err)
		return
	}
	s.ctrl = ctrlStream
	defer s.ctrl.Close()

	writerDone := make(chan struct{})
	go s.runWriter(writerDone)
	go s.runDataPump(ctx)

	s.outbound <- "220 soxy FTP ready\r\n"
	s.dispatch(ctx)

	close(s.outbound)
	<-writerDone
}

// runWriter is the control-to-client writer task: it serializes every
// outbound status line onto the TCP connection.
func (s *session) runWriter(done chan struct{}) {
	defer close(done)
	w := bufio.NewWriter(s.conn)
	for line := range s.outbound {
		if _, err := w.WriteString(line); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// dispatch is the control reader/dispatcher task: the main command loop.
func (s *session) dispatch(ctx context.Context) {
	r := bufio.NewReader(s.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		verb, arg := splitCommand(line)
		if !s.handle(ctx, strings.ToUpper(verb), arg) {
			return
		}
	}
}

func splitCommand(line string) (verb, arg string) {
	parts := strings.SplitN(line, " ", 2)
	verb = parts[0]
	if len(parts) == 2 {
		arg = parts[1]
	}
	return
}

// handle dispatches one parsed command. It returns false to end the session
// (QUIT).
func (s *session) handle(ctx context.Context, verb, arg string) bool {
	switch verb {
	case "USER":
		s.reply("331 User name okay, need password\r\n")
	case "PASS":
		s.reply("230 Login successful\r\n")
	case "SYST":
		s.reply("215 UNIX Type: L8\r\n")
	case "FEAT":
		s.reply("211-Features:\r\n PASV\r\n EPSV\r\n SIZE\r\n UTF8\r\n211 End\r\n")
	case "OPTS":
		s.reply("200 OK\r\n")
	case "TYPE":
		s.handleType(arg)
	case "PWD", "XPWD":
		s.reply(fmt.Sprintf("257 \"%s\"\r\n", s.cwd))
	case "CWD", "XCWD":
		s.handleCwd(arg)
	case "CDUP", "XCUP":
		s.handleCwd("..")
	case "DELE":
		s.handleDele(arg)
	case "SIZE":
		s.handleSize(arg)
	case "PASV":
		s.handlePasv()
	case "EPSV":
		s.handleEpsv()
	case "LIST":
		s.handleTransfer(ctx, TagList, arg)
	case "NLST":
		s.handleTransfer(ctx, TagNLst, arg)
	case "RETR":
		s.handleTransfer(ctx, TagRetr, arg)
	case "STOR":
		s.handleTransfer(ctx, TagStor, arg)
	case "NOOP":
		s.reply("200 NOOP ok\r\n")
	case "QUIT":
		s.reply("221 Goodbye\r\n")
		return false
	default:
		s.reply(fmt.Sprintf("502 Command %q not implemented\r\n", verb))
	}
	return true
}

func (s *session) reply(line string) {
	select {
	case s.outbound <- line:
	default:
		// Outbound is depth 1; a blocked writer means the client vanished.
		// Drop rather than wedge the dispatcher forever.
	}
}

func (s *session) handleType(arg string) {
	arg = strings.ToUpper(strings.TrimSpace(arg))
	if arg != "I" && arg != "A" {
		s.reply("504 Type not supported\r\n")
		return
	}
	s.typ = arg[0]
	s.reply(fmt.Sprintf("200 Type set to %s\r\n", arg))
}

// resolvePath joins a client-relative argument against the logical cwd. It
// does not confine the result to any root; the backend interprets the path
// against its own working-directory policy.
func (s *session) resolvePath(arg string) string {
	if arg == "" {
		return s.cwd
	}
	if path.IsAbs(arg) {
		return path.Clean(arg)
	}
	return path.Clean(path.Join(s.cwd, arg))
}

func (s *session) sendControl(cmd DataCommand) (DataReply, error) {
	if err := WriteDataCommand(s.ctrl, cmd); err != nil {
		return DataReply{}, err
	}
	if err := s.ctrl.Flush(); err != nil {
		return DataReply{}, err
	}
	return ReadDataReply(s.ctrl)
}

func (s *session) handleCwd(arg string) {
	target := s.resolvePath(arg)
	reply, err := s.sendControl(DataCommand{Tag: TagCwd, Path: target})
	if err != nil || reply.Tag != ReplyCwdOk {
		s.reply("550 Failed to change directory\r\n")
		return
	}
	s.cwd = target
	s.reply("250 Directory successfully changed\r\n")
}

func (s *session) handleDele(arg string) {
	target := s.resolvePath(arg)
	reply, err := s.sendControl(DataCommand{Tag: TagDele, Path: target})
	if err != nil || reply.Tag != ReplyDeleteOk {
		s.reply("550 Delete operation failed\r\n")
		return
	}
	s.reply("250 Delete operation successful\r\n")
}

func (s *session) handleSize(arg string) {
	target := s.resolvePath(arg)
	reply, err := s.sendControl(DataCommand{Tag: TagSize, Path: target})
	if err != nil || reply.Tag != ReplySizeOk {
		s.reply("550 Could not get file size\r\n")
		return
	}
	s.reply(fmt.Sprintf("213 %d\r\n", reply.Size))
}

func (s *session) handlePasv() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.reply("425 Can't open data connection\r\n")
		return
	}
	if s.pasvLn != nil {
		s.pasvLn.Close()
	}
	s.pasvLn = ln

	addr := ln.Addr().(*net.TCPAddr)
	ip := addr.IP.To4()
	p1, p2 := addr.Port>>8, addr.Port&0xFF
	s.reply(fmt.Sprintf("227 Entering Passive Mode (%d,%d,%d,%d,%d,%d)\r\n", ip[0], ip[1], ip[2], ip[3], p1, p2))
}

func (s *session) handleEpsv() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.reply("425 Can't open data connection\r\n")
		return
	}
	if s.pasvLn != nil {
		s.pasvLn.Close()
	}
	s.pasvLn = ln

	port := ln.Addr().(*net.TCPAddr).Port
	s.reply(fmt.Sprintf("229 Entering Extended Passive Mode (|||%d|)\r\n", port))
}

// handleTransfer runs a LIST/NLST/RETR/STOR: it hands the job to the
// data-pump task and blocks on the reply channel for the outcome, emitting
// the matching 1xx/2xx/4xx status lines.
func (s *session) handleTransfer(ctx context.Context, tag Tag, arg string) {
	if s.pasvLn == nil {
		s.reply("425 Use PASV or EPSV first\r\n")
		return
	}

	target := s.resolvePath(arg)
	s.reply("150 Opening data connection\r\n")

	select {
	case s.dataCmd <- dataJob{tag: tag, path: target}:
	case <-ctx.Done():
		return
	}

	select {
	case outcome := <-s.dataRes:
		if outcome.err != nil {
			s.reply(fmt.Sprintf("426 Transfer failed: %v\r\n", outcome.err))
			return
		}
		s.reply("226 Transfer complete\r\n")
	case <-ctx.Done():
	}
}

// runDataPump is the data-pump task: it accepts one passive-mode connection
// per data job, opens a fresh logical data stream for the transfer, and
// couples the two with a copy in the direction the command implies.
func (s *session) runDataPump(ctx context.Context) {
	for {
		var job dataJob
		select {
		case job = <-s.dataCmd:
		case <-ctx.Done():
			return
		}

		outcome := s.runOneTransfer(ctx, job)
		select {
		case s.dataRes <- outcome:
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) runOneTransfer(ctx context.Context, job dataJob) dataOutcome {
	ln := s.pasvLn
	s.pasvLn = nil
	if ln == nil {
		return dataOutcome{err: fmt.Errorf("no passive listener")}
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return dataOutcome{err: err}
	}
	defer conn.Close()

	data, err := s.dialer.Connect(ctx, ServiceName)
	if err != nil {
		return dataOutcome{err: err}
	}
	defer data.Close()

	if err := WriteDataCommand(data, DataCommand{Tag: job.tag, Path: job.path}); err != nil {
		return dataOutcome{err: err}
	}
	if err := data.Flush(); err != nil {
		return dataOutcome{err: err}
	}

	var n int64
	if job.tag == TagStor {
		n, err = io.Copy(registry.Flushing(data), conn)
	} else {
		n, err = io.Copy(conn, data)
	}
	if err != nil {
		return dataOutcome{err: err, bytes: n}
	}
	return dataOutcome{bytes: n}
}
