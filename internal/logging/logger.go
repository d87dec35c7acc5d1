// Package logging provides the leveled logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level. Unknown values mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes "<RFC3339> <LEVEL> <component>: <message>" lines.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
	clock     func() time.Time
	mu        *sync.Mutex
}

func New(w io.Writer, level Level) *Logger {
	return &Logger{
		out:       log.New(w, "", 0),
		level:     level,
		component: "cascadeview",
		clock:     time.Now,
		mu:        &sync.Mutex{},
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, LevelError+1)
}

// With returns a logger for a named component sharing the same output.
func (l *Logger) With(component string) *Logger {
	c := *l
	c.component = component
	return &c
}

// SetClock replaces the timestamp source. Used by tests.
func (l *Logger) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

func (l *Logger) Log(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	now := l.clock()
	l.mu.Unlock()
	l.out.Printf("%s %s %s: %s", now.Format(time.RFC3339), level, l.component, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.Log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Log(LevelError, format, args...) }
