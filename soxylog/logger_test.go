package soxylog

import (
	"strings"
	"testing"
)

func TestStringToLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"error":   LogLevelError,
		"WARNING": LogLevelWarning,
		"Info":    LogLevelInfo,
		"debug":   LogLevelDebug,
		"trace":   LogLevelTrace,
		"bogus":   LogLevelUnknown,
	}
	for in, want := range cases {
		if got := StringToLogLevel(in); got != want {
			t.Fatalf("StringToLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestForkExtendsPrefix(t *testing.T) {
	root := New("soxy", LogLevelInfo)
	child := root.Fork("stream %08x %s", 0x2a, "ftp")
	if got := child.Prefix(); got != "soxy: stream 0000002a ftp" {
		t.Fatalf("forked prefix = %q", got)
	}
	grandchild := child.Fork("data")
	if !strings.HasPrefix(grandchild.Prefix(), "soxy: stream 0000002a ftp: ") {
		t.Fatalf("grandchild prefix = %q", grandchild.Prefix())
	}
}

func TestErrorfCarriesPrefix(t *testing.T) {
	l := New("soxy", LogLevelError)
	err := l.Errorf("open failed: %d", 7)
	if err.Error() != "soxy: open failed: 7" {
		t.Fatalf("Errorf = %q", err.Error())
	}
}

func TestConnStats(t *testing.T) {
	var s ConnStats
	if n := s.New(); n != 1 {
		t.Fatalf("first New() = %d", n)
	}
	s.Open()
	s.Open()
	s.Close()
	if got := s.String(); got != "[1/1]" {
		t.Fatalf("String() = %q", got)
	}
}
