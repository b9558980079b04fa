package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Level controls which entries are recorded.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatCard      Category = "card"
	CatReader    Category = "reader"
	CatFlow      Category = "flow"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is a single recorded log line.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// logger keeps the most recent entries in a ring buffer so they can be
// served via the /v1/logs endpoint without any file I/O.
type logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	wrapped  bool
	minLevel Level
	stderr   bool
}

var std = &logger{
	entries:  make([]Entry, 1000),
	minLevel: LevelInfo,
	stderr:   true,
}

// Init configures the in-memory logger. bufferSize is the number of
// entries retained; older entries are overwritten.
func Init(bufferSize int, minLevel Level) {
	std.mu.Lock()
	defer std.mu.Unlock()

	if bufferSize < 1 {
		bufferSize = 1
	}
	std.entries = make([]Entry, bufferSize)
	std.next = 0
	std.wrapped = false
	std.minLevel = minLevel
}

// SetStderr toggles mirroring of entries to stderr (on by default).
func SetStderr(enabled bool) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.stderr = enabled
}

func (l *logger) log(level Level, cat Category, msg string, data map[string]any) {
	l.mu.Lock()
	if level < l.minLevel {
		l.mu.Unlock()
		return
	}

	entry := Entry{
		Time:     time.Now(),
		Level:    level.String(),
		Category: cat,
		Message:  msg,
		Data:     data,
	}
	l.entries[l.next] = entry
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.wrapped = true
	}
	mirror := l.stderr
	l.mu.Unlock()

	if mirror {
		if len(data) > 0 {
			fmt.Fprintf(os.Stderr, "%s %-5s [%s] %s %v\n",
				entry.Time.Format("15:04:05.000"), entry.Level, cat, msg, data)
		} else {
			fmt.Fprintf(os.Stderr, "%s %-5s [%s] %s\n",
				entry.Time.Format("15:04:05.000"), entry.Level, cat, msg)
		}
	}
}

// Debug logs a debug-level entry.
func Debug(cat Category, msg string, data map[string]any) {
	std.log(LevelDebug, cat, msg, data)
}

// Info logs an info-level entry.
func Info(cat Category, msg string, data map[string]any) {
	std.log(LevelInfo, cat, msg, data)
}

// Warn logs a warning-level entry.
func Warn(cat Category, msg string, data map[string]any) {
	std.log(LevelWarn, cat, msg, data)
}

// Error logs an error-level entry.
func Error(cat Category, msg string, data map[string]any) {
	std.log(LevelError, cat, msg, data)
}

// GetRecentLogs returns up to limit entries, newest last.
func GetRecentLogs(limit int) []Entry {
	std.mu.RLock()
	defer std.mu.RUnlock()

	var ordered []Entry
	if std.wrapped {
		ordered = append(ordered, std.entries[std.next:]...)
		ordered = append(ordered, std.entries[:std.next]...)
	} else {
		ordered = append(ordered, std.entries[:std.next]...)
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}
