package wshare

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// LogLevel specifies how much spew goes to the log.
type LogLevel int

const (
	// LogLevelUnknown is the zero value; its behavior is undefined.
	LogLevelUnknown LogLevel = iota

	// LogLevelError is for unexpected error messages.
	LogLevelError

	// LogLevelWarning is for warning messages.
	LogLevelWarning

	// LogLevelInfo is for informational messages.
	LogLevelInfo

	// LogLevelDebug is for debug messages.
	LogLevelDebug

	// LogLevelTrace is for very verbose trace messages.
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "error", "warning", "info", "debug", "trace",
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// StringToLogLevel converts a string to a LogLevel; unrecognized strings
// yield LogLevelUnknown.
func StringToLogLevel(s string) LogLevel {
	for i, name := range logLevelNames {
		if strings.EqualFold(s, name) {
			return LogLevel(i)
		}
	}
	return LogLevelUnknown
}

// Logger is a leveled log output stream with a component prefix. Loggers fork
// cheaply, so each session, stream and pump gets its own prefix.
type Logger interface {
	// Prefix returns the prefix string prepended to each record.
	Prefix() string

	// GetLogLevel returns the current level filter.
	GetLogLevel() LogLevel

	// SetLogLevel adjusts the level filter.
	SetLogLevel(logLevel LogLevel)

	// Logf outputs iff logLevel is enabled.
	Logf(logLevel LogLevel, f string, args ...interface{})

	// ELogf outputs iff ERROR is enabled.
	ELogf(f string, args ...interface{})

	// WLogf outputs iff WARNING is enabled.
	WLogf(f string, args ...interface{})

	// ILogf outputs iff INFO is enabled.
	ILogf(f string, args ...interface{})

	// DLogf outputs iff DEBUG is enabled.
	DLogf(f string, args ...interface{})

	// TLogf outputs iff TRACE is enabled.
	TLogf(f string, args ...interface{})

	// Errorf returns an error whose description carries the Logger's prefix.
	Errorf(f string, args ...interface{}) error

	// ELogErrorf logs iff ERROR is enabled, and returns an error carrying
	// the Logger's prefix.
	ELogErrorf(f string, args ...interface{}) error

	// DLogErrorf logs iff DEBUG is enabled, and returns an error carrying
	// the Logger's prefix.
	DLogErrorf(f string, args ...interface{}) error

	// Fatalf outputs a log message and exits with error status.
	Fatalf(f string, args ...interface{})

	// Fork creates a new Logger with an additional formatted string appended
	// onto this logger's prefix (with ": " in between).
	Fork(f string, args ...interface{}) Logger
}

// BasicLogger is the standard Logger implementation, writing to a log.Logger.
type BasicLogger struct {
	prefix string
	// prefixC is prefix + ": ", or "" if prefix is empty
	prefixC  string
	out      *log.Logger
	logLevel LogLevel
}

const defaultLogFlags = log.Ldate | log.Ltime

// NewLogger creates a new Logger with a given prefix, emitting output to
// os.Stderr.
func NewLogger(prefix string, logLevel LogLevel) Logger {
	return NewLoggerWithFlags(prefix, defaultLogFlags, logLevel)
}

// NewLoggerWithFlags creates a new Logger with a given prefix and log flags,
// emitting output to os.Stderr.
func NewLoggerWithFlags(prefix string, flag int, logLevel LogLevel) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		out:      log.New(os.Stderr, "", flag),
		logLevel: logLevel,
	}
}

// Prefix returns the prefix string prepended to each record.
func (l *BasicLogger) Prefix() string {
	return l.prefix
}

// GetLogLevel returns the current level filter.
func (l *BasicLogger) GetLogLevel() LogLevel {
	return l.logLevel
}

// SetLogLevel adjusts the level filter.
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) {
	l.logLevel = logLevel
}

// Logf outputs iff logLevel is enabled.
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if logLevel <= l.logLevel {
		l.out.Print(l.prefixC + fmt.Sprintf(f, args...))
	}
}

// ELogf outputs iff ERROR is enabled.
func (l *BasicLogger) ELogf(f string, args ...interface{}) {
	l.Logf(LogLevelError, f, args...)
}

// WLogf outputs iff WARNING is enabled.
func (l *BasicLogger) WLogf(f string, args ...interface{}) {
	l.Logf(LogLevelWarning, f, args...)
}

// ILogf outputs iff INFO is enabled.
func (l *BasicLogger) ILogf(f string, args ...interface{}) {
	l.Logf(LogLevelInfo, f, args...)
}

// DLogf outputs iff DEBUG is enabled.
func (l *BasicLogger) DLogf(f string, args ...interface{}) {
	l.Logf(LogLevelDebug, f, args...)
}

// TLogf outputs iff TRACE is enabled.
func (l *BasicLogger) TLogf(f string, args ...interface{}) {
	l.Logf(LogLevelTrace, f, args...)
}

// Errorf returns an error whose description carries the Logger's prefix.
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return fmt.Errorf("%s%s", l.prefixC, fmt.Sprintf(f, args...))
}

// ELogErrorf logs iff ERROR is enabled, and returns an error carrying the
// Logger's prefix.
func (l *BasicLogger) ELogErrorf(f string, args ...interface{}) error {
	err := l.Errorf(f, args...)
	l.Logf(LogLevelError, "%s", err.Error())
	return err
}

// DLogErrorf logs iff DEBUG is enabled, and returns an error carrying the
// Logger's prefix.
func (l *BasicLogger) DLogErrorf(f string, args ...interface{}) error {
	err := l.Errorf(f, args...)
	l.Logf(LogLevelDebug, "%s", err.Error())
	return err
}

// Fatalf outputs a log message and exits with error status.
func (l *BasicLogger) Fatalf(f string, args ...interface{}) {
	l.out.Print(l.prefixC + fmt.Sprintf(f, args...))
	os.Exit(1)
}

// Fork creates a new Logger with an additional formatted string appended onto
// this logger's prefix.
func (l *BasicLogger) Fork(f string, args ...interface{}) Logger {
	forkPrefix := fmt.Sprintf(f, args...)
	prefix := l.prefix
	if prefix == "" {
		prefix = forkPrefix
	} else {
		prefix = prefix + ": " + forkPrefix
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefix + ": ",
		out:      l.out,
		logLevel: l.logLevel,
	}
}
