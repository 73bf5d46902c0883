// Package ssflog provides the leveled, prefix-forking logger used across
// every layer of the tunnel core, in place of a global logging singleton.
// Category strings ("tcp", "tls", "tlsbuf", "fiber", "admin", "session") are
// threaded in via Fork so log output can be filtered per subsystem.
package ssflog

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Level specifies the severity of a log line.
type Level int

const (
	// LevelUnknown is the zero value; treated as LevelInfo by SetLevel callers that forget to set it.
	LevelUnknown Level = iota
	// LevelPanic logs unconditionally, then panics with the message.
	LevelPanic
	// LevelFatal logs unconditionally, then calls os.Exit(1).
	LevelFatal
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelNames = [...]string{"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace"}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return "unknown"
	}
	return levelNames[l]
}

// ParseLevel converts a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, bool) {
	for i, name := range levelNames {
		if strings.EqualFold(name, s) {
			return Level(i), true
		}
	}
	return LevelUnknown, false
}

// Logger is a leveled logger that stamps a prefix on every line and can be
// forked to add a child prefix for a sub-component or connection instance.
type Logger interface {
	// Log emits args if level is enabled.
	Log(level Level, args ...interface{})
	// Logf emits a formatted message if level is enabled.
	Logf(level Level, format string, args ...interface{})

	// Panic logs unconditionally at LevelPanic, then panics with the message.
	Panic(args ...interface{})
	// Panicf logs a formatted message unconditionally at LevelPanic, then panics with it.
	Panicf(format string, args ...interface{})
	// PanicOnError does nothing if err is nil; otherwise it is equivalent to Panic(err).
	PanicOnError(err error)
	// Fatal logs unconditionally at LevelFatal, then calls os.Exit(1).
	Fatal(args ...interface{})
	// Fatalf logs a formatted message unconditionally at LevelFatal, then calls os.Exit(1).
	Fatalf(format string, args ...interface{})

	ELog(args ...interface{})
	ELogf(format string, args ...interface{})
	WLog(args ...interface{})
	WLogf(format string, args ...interface{})
	ILog(args ...interface{})
	ILogf(format string, args ...interface{})
	DLog(args ...interface{})
	DLogf(format string, args ...interface{})
	TLog(args ...interface{})
	TLogf(format string, args ...interface{})

	// Errorf returns an error whose text carries this logger's prefix, without logging it.
	Errorf(format string, args ...interface{}) error
	// DLogErrorf logs the message at debug level and returns it as an error.
	DLogErrorf(format string, args ...interface{}) error
	// ELogErrorf logs the message at error level and returns it as an error.
	ELogErrorf(format string, args ...interface{}) error

	// Fork derives a child Logger with an additional prefix segment.
	Fork(format string, args ...interface{}) Logger

	Prefix() string
	Level() Level
	SetLevel(level Level)
}

type basicLogger struct {
	prefix string
	out    *log.Logger
	level  Level
}

// New creates a root Logger writing to os.Stderr with the given category prefix.
func New(category string, level Level) Logger {
	return &basicLogger{
		prefix: category,
		out:    log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		level:  level,
	}
}

func (l *basicLogger) Prefix() string { return l.prefix }
func (l *basicLogger) Level() Level   { return l.level }
func (l *basicLogger) SetLevel(level Level) {
	l.level = level
}

func (l *basicLogger) stamp(msg string) string {
	if l.prefix == "" {
		return msg
	}
	return l.prefix + ": " + msg
}

func (l *basicLogger) Log(level Level, args ...interface{}) {
	if level <= l.level || level <= LevelFatal {
		msg := l.stamp(fmt.Sprint(args...))
		l.out.Print(msg)
		l.exitOnLevel(level, msg)
	}
}

func (l *basicLogger) Logf(level Level, format string, args ...interface{}) {
	if level <= l.level || level <= LevelFatal {
		msg := l.stamp(fmt.Sprintf(format, args...))
		l.out.Print(msg)
		l.exitOnLevel(level, msg)
	}
}

// exitOnLevel panics or exits after a Panic/Fatal message has already been
// logged; it is a no-op for every other level.
func (l *basicLogger) exitOnLevel(level Level, msg string) {
	switch level {
	case LevelFatal:
		os.Exit(1)
	case LevelPanic:
		panic(msg)
	}
}

func (l *basicLogger) Panic(args ...interface{}) { l.Log(LevelPanic, args...) }
func (l *basicLogger) Panicf(format string, args ...interface{}) {
	l.Logf(LevelPanic, format, args...)
}
func (l *basicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panic(err)
	}
}
func (l *basicLogger) Fatal(args ...interface{}) { l.Log(LevelFatal, args...) }
func (l *basicLogger) Fatalf(format string, args ...interface{}) {
	l.Logf(LevelFatal, format, args...)
}

func (l *basicLogger) ELog(args ...interface{})                       { l.Log(LevelError, args...) }
func (l *basicLogger) ELogf(format string, args ...interface{})       { l.Logf(LevelError, format, args...) }
func (l *basicLogger) WLog(args ...interface{})                       { l.Log(LevelWarning, args...) }
func (l *basicLogger) WLogf(format string, args ...interface{})       { l.Logf(LevelWarning, format, args...) }
func (l *basicLogger) ILog(args ...interface{})                       { l.Log(LevelInfo, args...) }
func (l *basicLogger) ILogf(format string, args ...interface{})       { l.Logf(LevelInfo, format, args...) }
func (l *basicLogger) DLog(args ...interface{})                       { l.Log(LevelDebug, args...) }
func (l *basicLogger) DLogf(format string, args ...interface{})       { l.Logf(LevelDebug, format, args...) }
func (l *basicLogger) TLog(args ...interface{})                       { l.Log(LevelTrace, args...) }
func (l *basicLogger) TLogf(format string, args ...interface{})       { l.Logf(LevelTrace, format, args...) }

func (l *basicLogger) Errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%s", l.stamp(fmt.Sprintf(format, args...)))
}

func (l *basicLogger) DLogErrorf(format string, args ...interface{}) error {
	err := l.Errorf(format, args...)
	l.Log(LevelDebug, err.Error())
	return err
}

func (l *basicLogger) ELogErrorf(format string, args ...interface{}) error {
	err := l.Errorf(format, args...)
	l.Log(LevelError, err.Error())
	return err
}

func (l *basicLogger) Fork(format string, args ...interface{}) Logger {
	child := fmt.Sprintf(format, args...)
	prefix := child
	if l.prefix != "" {
		prefix = l.prefix + "." + child
	}
	return &basicLogger{prefix: prefix, out: l.out, level: l.level}
}
