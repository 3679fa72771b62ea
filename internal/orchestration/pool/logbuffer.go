package pool

import (
	"sync"
	"time"
)

// LogLine is one captured line of worker output.
type LogLine struct {
	WorkerID string    `json:"workerId"`
	Line     string    `json:"line"`
	At       time.Time `json:"at"`
}

// LogBuffer is a thread-safe ring buffer of recent log lines. Memory
// stays bounded: once full, the oldest line is overwritten.
type LogBuffer struct {
	mu       sync.RWMutex
	lines    []LogLine
	capacity int
	start    int // index of oldest line
	count    int
}

// NewLogBuffer creates a buffer holding up to capacity lines. Capacity
// is clamped to at least 1.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &LogBuffer{
		lines:    make([]LogLine, capacity),
		capacity: capacity,
	}
}

// Write appends a line, overwriting the oldest when full.
func (b *LogBuffer) Write(line LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < b.capacity {
		b.lines[(b.start+b.count)%b.capacity] = line
		b.count++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % b.capacity
}

// Lines returns a copy of the buffer in chronological order.
func (b *LogBuffer) Lines() []LogLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]LogLine, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.start+i)%b.capacity]
	}
	return out
}

// LastN returns the newest n lines in chronological order. When fewer
// lines are stored, all of them are returned.
func (b *LogBuffer) LastN(n int) []LogLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil
	}

	out := make([]LogLine, n)
	skip := b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.lines[(b.start+skip+i)%b.capacity]
	}
	return out
}

// Len returns the number of stored lines.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Capacity returns the maximum number of lines held.
func (b *LogBuffer) Capacity() int {
	return b.capacity
}

// Clear drops all stored lines.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = 0
	b.count = 0
}
