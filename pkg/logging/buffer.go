package logging

import (
	"strings"
	"sync"
)

// RingWriter keeps the last N lines written to it.
type RingWriter struct {
	mu    sync.RWMutex
	lines []string
	size  int
	next  int
	full  bool
}

// NewRingWriter returns a writer retaining at most size lines (minimum 1).
func NewRingWriter(size int) *RingWriter {
	if size < 1 {
		size = 1
	}
	return &RingWriter{lines: make([]string, size), size: size}
}

// ServerLog holds recent INFO+ server log lines for the status bar.
var ServerLog = NewRingWriter(50)

// EventLog holds recent timeline event lines.
var EventLog = NewRingWriter(100)

// Write implements io.Writer. Each non-empty line becomes one entry.
func (w *RingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, line := range strings.Split(string(p), "\n") {
		if line == "" {
			continue
		}
		w.lines[w.next] = line
		w.next = (w.next + 1) % w.size
		if w.next == 0 {
			w.full = true
		}
	}
	return len(p), nil
}

// Last returns the most recent line, or "" when nothing was written.
func (w *RingWriter) Last() string {
	recent := w.Recent(1)
	if len(recent) == 0 {
		return ""
	}
	return recent[0]
}

// Recent returns up to n lines, oldest first.
func (w *RingWriter) Recent(n int) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	count := w.next
	if w.full {
		count = w.size
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]string, 0, n)
	for i := count - n; i < count; i++ {
		idx := i
		if w.full {
			idx = (w.next + i) % w.size
		}
		out = append(out, w.lines[idx])
	}
	return out
}
