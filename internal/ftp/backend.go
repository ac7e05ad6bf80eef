package ftp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/wb-airbus/soxy/internal/registry"
	"github.com/wb-airbus/soxy/soxylog"
)

// BackendHandle serves one logical FTP stream. It cannot tell, just from the
// Start chunk, whether this is the long-lived control-carrying stream or a
// one-shot data stream, so it reads the first DataCommand and dispatches on
// Tag: a structural tag loops (control-carrying stream semantics), a
// data-transfer tag runs once and closes (data-stream semantics) -- matching
// the frontend's own split.
//
// Paths are interpreted directly against the backend process's filesystem
// with no root-jail.
func BackendHandle(ctx context.Context, s registry.Streamer, logger soxylog.Logger) {
	log := logger.Fork("ftp-backend %08x", s.ClientID())

	for {
		cmd, err := ReadDataCommand(s)
		if err != nil {
			if err != io.EOF {
				log.WLogf("reading data command failed: %v", err)
			}
			return
		}

		if cmd.Tag.IsDataTransfer() {
			runDataTransfer(s, cmd, log)
			return
		}
		runStructuralCommand(s, cmd, log)
	}
}

func runStructuralCommand(s registry.Streamer, cmd DataCommand, log soxylog.Logger) {
	var reply DataReply
	switch cmd.Tag {
	case TagCwd:
		if info, err := os.Stat(cmd.Path); err != nil || !info.IsDir() {
			reply = DataReply{Tag: ReplyKo}
		} else {
			reply = DataReply{Tag: ReplyCwdOk}
		}
	case TagDele:
		if err := os.Remove(cmd.Path); err != nil {
			reply = DataReply{Tag: ReplyKo}
		} else {
			reply = DataReply{Tag: ReplyDeleteOk}
		}
	case TagSize:
		info, err := os.Stat(cmd.Path)
		if err != nil || info.IsDir() {
			reply = DataReply{Tag: ReplyKo}
		} else {
			reply = DataReply{Tag: ReplySizeOk, Size: uint64(info.Size())}
		}
	default:
		log.WLogf("unexpected structural tag %s", cmd.Tag)
		reply = DataReply{Tag: ReplyKo}
	}
	if err := WriteDataReply(s, reply); err != nil {
		log.WLogf("writing reply for %s failed: %v", cmd.Tag, err)
		return
	}
	if err := s.Flush(); err != nil {
		log.WLogf("flushing reply for %s failed: %v", cmd.Tag, err)
	}
}

func runDataTransfer(s registry.Streamer, cmd DataCommand, log soxylog.Logger) {
	switch cmd.Tag {
	case TagList:
		writeListing(s, cmd.Path, log, true)
	case TagNLst:
		writeListing(s, cmd.Path, log, false)
	case TagRetr:
		retrieveFile(s, cmd.Path, log)
	case TagStor:
		storeFile(s, cmd.Path, log)
	}
}

// writeListing writes a directory listing to s. In long form (LIST) each
// entry is rendered in UNIX `ls -l` short format; in short form (NLST) only
// the bare name is written.
func writeListing(s registry.Streamer, path string, log soxylog.Logger, long bool) {
	entries, err := os.ReadDir(path)
	if err != nil {
		log.WLogf("readdir %s failed: %v", path, err)
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	w := bufio.NewWriter(s)
	for _, e := range entries {
		if long {
			info, err := e.Info()
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "%s %12d %s %s\r\n", unixModeString(info.Mode()), info.Size(), info.ModTime().Format("Jan 02 15:04"), e.Name())
		} else {
			fmt.Fprintf(w, "%s\r\n", e.Name())
		}
	}
	w.Flush()
}

func unixModeString(mode os.FileMode) string {
	b := []byte("----------")
	if mode.IsDir() {
		b[0] = 'd'
	}
	if mode&0400 != 0 {
		b[1] = 'r'
	}
	if mode&0200 != 0 {
		b[2] = 'w'
	}
	if mode&0100 != 0 {
		b[3] = 'x'
	}
	if mode&0040 != 0 {
		b[4] = 'r'
	}
	if mode&0020 != 0 {
		b[5] = 'w'
	}
	if mode&0010 != 0 {
		b[6] = 'x'
	}
	if mode&0004 != 0 {
		b[7] = 'r'
	}
	if mode&0002 != 0 {
		b[8] = 'w'
	}
	if mode&0001 != 0 {
		b[9] = 'x'
	}
	return string(b)
}

func retrieveFile(s registry.Streamer, path string, log soxylog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		log.WLogf("open %s failed: %v", path, err)
		return
	}
	defer f.Close()

	start := time.Now()
	n, err := io.Copy(s, f)
	if err != nil {
		log.WLogf("RETR %s failed after %d byte(s): %v", path, n, err)
		return
	}
	log.DLogf("RETR %s: %s in %s", path, sizestr.ToString(n), time.Since(start))
}

func storeFile(s registry.Streamer, path string, log soxylog.Logger) {
	f, err := os.Create(path)
	if err != nil {
		log.WLogf("create %s failed: %v", path, err)
		return
	}
	defer f.Close()

	start := time.Now()
	n, err := io.Copy(f, s)
	if err != nil {
		log.WLogf("STOR %s failed after %d byte(s): %v", path, n, err)
		return
	}
	log.DLogf("STOR %s: %s in %s", path, sizestr.ToString(n), time.Since(start))
}
