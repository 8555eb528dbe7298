package plugin

import (
	"sync"
	"sync/atomic"
	"time"
)

// Log levels used by plugins and by the host when it reports on a plugin.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

func levelRank(level string) int {
	switch level {
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	}
	return 0
}

// LogEntry is one plugin log line, or a host report about a plugin (trap,
// rejected emission, quota). Tick is the tick it was recorded in.
type LogEntry struct {
	Tick    uint64         `json:"tick"`
	Time    time.Time      `json:"time"`
	Plugin  string         `json:"plugin"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// LogQuery selects entries. Zero fields match everything.
type LogQuery struct {
	Plugin    string
	MinLevel  string
	SinceTick uint64 // entries recorded in this tick or later
	Limit     int    // keep only the newest Limit matches
}

func (q LogQuery) match(e LogEntry) bool {
	return (q.Plugin == "" || e.Plugin == q.Plugin) &&
		levelRank(e.Level) >= levelRank(q.MinLevel) &&
		e.Tick >= q.SinceTick
}

// LogBuffer keeps the most recent plugin log entries in a fixed ring. The
// engine advances its tick so entries can be correlated with frames and
// save files.
type LogBuffer struct {
	tick atomic.Uint64

	mu          sync.RWMutex
	ring        []LogEntry
	next        int
	full        bool
	overwritten uint64
}

// NewLogBuffer creates a buffer holding size entries (1000 if size <= 0).
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1000
	}
	return &LogBuffer{ring: make([]LogEntry, size)}
}

// SetTick sets the tick stamped on new entries.
func (b *LogBuffer) SetTick(tick uint64) { b.tick.Store(tick) }

// Record appends an entry for plugin, overwriting the oldest when full.
func (b *LogBuffer) Record(plugin, level, message string, fields map[string]any) {
	e := LogEntry{
		Tick:    b.tick.Load(),
		Time:    time.Now(),
		Plugin:  plugin,
		Level:   level,
		Message: message,
		Fields:  fields,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		b.overwritten++
	}
	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
}

// Entries returns the entries matching q, oldest first.
func (b *LogBuffer) Entries(q LogQuery) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []LogEntry
	b.each(func(e LogEntry) {
		if q.match(e) {
			out = append(out, e)
		}
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// each visits the stored entries oldest first. Must be called with b.mu
// held.
func (b *LogBuffer) each(fn func(LogEntry)) {
	if b.full {
		for _, e := range b.ring[b.next:] {
			fn(e)
		}
	}
	for _, e := range b.ring[:b.next] {
		fn(e)
	}
}

// Len returns the number of stored entries.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.ring)
	}
	return b.next
}

// Overwritten returns how many entries were lost to the ring wrapping.
func (b *LogBuffer) Overwritten() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.overwritten
}

// Reset drops every entry.
func (b *LogBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.ring)
	b.next, b.full, b.overwritten = 0, false, 0
}

var (
	defaultLogs     *LogBuffer
	defaultLogsOnce sync.Once
)

// DefaultLogBuffer is the process-wide buffer used when a sandbox, manager
// or engine is not given one.
func DefaultLogBuffer() *LogBuffer {
	defaultLogsOnce.Do(func() { defaultLogs = NewLogBuffer(1000) })
	return defaultLogs
}
