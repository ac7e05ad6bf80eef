// Package soxylog is a small leveled logging wrapper used throughout soxy.
//
// It follows the shape of a hand-rolled logger: a Logger interface over the
// standard library's log.Logger, level-gated Log/Logf helpers, Errorf-style
// helpers that both emit a line and return an error carrying the same text,
// and Fork to derive a child logger whose prefix extends the parent's. Every
// long-lived object (transport, multiplexer, stream, service handler) is
// constructed with a forked logger so log lines are traceable to the owning
// client id and service without pulling in a logging framework.
package soxylog

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
)

// LogLevel specifies the level of spew that should go to the log.
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel; behavior undefined.
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic outputs a message and then panics.
	LogLevelPanic

	// LogLevelFatal outputs a message and then calls os.Exit(1).
	LogLevelFatal

	// LogLevelError is for unexpected error conditions.
	LogLevelError

	// LogLevelWarning is for warning conditions.
	LogLevelWarning

	// LogLevelInfo is for informational messages.
	LogLevelInfo

	// LogLevelDebug is for debug messages.
	LogLevelDebug

	// LogLevelTrace is for the most verbose messages.
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel, len(logLevelNames))
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	return result
}()

// StringToLogLevel converts a string to a LogLevel.
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(s)]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// Logger is a logging component that supports levels and prefix forking.
type Logger interface {
	Prefix() string

	Log(level LogLevel, args ...interface{})
	Logf(level LogLevel, f string, args ...interface{})

	ELog(args ...interface{})
	ELogf(f string, args ...interface{})
	WLog(args ...interface{})
	WLogf(f string, args ...interface{})
	ILog(args ...interface{})
	ILogf(f string, args ...interface{})
	DLog(args ...interface{})
	DLogf(f string, args ...interface{})
	TLog(args ...interface{})
	TLogf(f string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(f string, args ...interface{})

	// Errorf returns an error with this logger's prefix but does not log.
	Errorf(f string, args ...interface{}) error
	Error(args ...interface{}) error

	// ELogErrorf logs at error level and returns an error with the same text.
	ELogErrorf(f string, args ...interface{}) error
	ELogError(args ...interface{}) error

	Fork(prefix string, args ...interface{}) Logger
	SetLogLevel(level LogLevel)
	GetLogLevel() LogLevel
}

// BasicLogger is a logical output stream with a level filter and a
// prefix prepended to every record.
type BasicLogger struct {
	prefix   string
	prefixC  string
	out      *log.Logger
	logLevel LogLevel
}

const defaultLogFlags = log.Ldate | log.Ltime

// New creates a new Logger with the given prefix, emitting to os.Stderr.
func New(prefix string, logLevel LogLevel) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		out:      log.New(os.Stderr, "", defaultLogFlags),
		logLevel: logLevel,
	}
}

func (l *BasicLogger) Prefix() string { return l.prefix }

func (l *BasicLogger) GetLogLevel() LogLevel      { return l.logLevel }
func (l *BasicLogger) SetLogLevel(level LogLevel) { l.logLevel = level }

func (l *BasicLogger) sprint(args ...interface{}) string {
	return l.prefixC + fmt.Sprint(args...)
}

func (l *BasicLogger) sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

func (l *BasicLogger) logNoPrefix(level LogLevel, msg string) {
	if level > l.logLevel && level > LogLevelFatal {
		return
	}
	l.out.Print(msg)
	switch level {
	case LogLevelFatal:
		os.Exit(1)
	case LogLevelPanic:
		panic(msg)
	}
}

func (l *BasicLogger) Log(level LogLevel, args ...interface{}) {
	if level > l.logLevel && level > LogLevelFatal {
		return
	}
	l.logNoPrefix(level, l.sprint(args...))
}

func (l *BasicLogger) Logf(level LogLevel, f string, args ...interface{}) {
	if level > l.logLevel && level > LogLevelFatal {
		return
	}
	l.logNoPrefix(level, l.sprintf(f, args...))
}

func (l *BasicLogger) ELog(args ...interface{})            { l.Log(LogLevelError, args...) }
func (l *BasicLogger) ELogf(f string, args ...interface{}) { l.Logf(LogLevelError, f, args...) }
func (l *BasicLogger) WLog(args ...interface{})            { l.Log(LogLevelWarning, args...) }
func (l *BasicLogger) WLogf(f string, args ...interface{}) { l.Logf(LogLevelWarning, f, args...) }
func (l *BasicLogger) ILog(args ...interface{})            { l.Log(LogLevelInfo, args...) }
func (l *BasicLogger) ILogf(f string, args ...interface{}) { l.Logf(LogLevelInfo, f, args...) }
func (l *BasicLogger) DLog(args ...interface{})            { l.Log(LogLevelDebug, args...) }
func (l *BasicLogger) DLogf(f string, args ...interface{}) { l.Logf(LogLevelDebug, f, args...) }
func (l *BasicLogger) TLog(args ...interface{})            { l.Log(LogLevelTrace, args...) }
func (l *BasicLogger) TLogf(f string, args ...interface{}) { l.Logf(LogLevelTrace, f, args...) }

func (l *BasicLogger) Fatal(args ...interface{})            { l.Log(LogLevelFatal, args...) }
func (l *BasicLogger) Fatalf(f string, args ...interface{}) { l.Logf(LogLevelFatal, f, args...) }

func (l *BasicLogger) Error(args ...interface{}) error {
	return errors.New(l.sprint(args...))
}

func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.sprintf(f, args...))
}

func (l *BasicLogger) ELogError(args ...interface{}) error {
	msg := l.sprint(args...)
	l.logNoPrefix(LogLevelError, msg)
	return errors.New(msg)
}

func (l *BasicLogger) ELogErrorf(f string, args ...interface{}) error {
	msg := l.sprintf(f, args...)
	l.logNoPrefix(LogLevelError, msg)
	return errors.New(msg)
}

// Fork creates a new Logger whose prefix is this logger's prefix, a colon,
// and the given formatted suffix.
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	suffix := fmt.Sprintf(prefix, args...)
	newPrefix := l.prefix
	if newPrefix != "" {
		newPrefix += ": "
	}
	newPrefix += suffix
	child := New(newPrefix, l.logLevel)
	return child
}
