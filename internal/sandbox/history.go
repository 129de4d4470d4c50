package sandbox

import "sync"

// History is a bounded ring of recent execution records for one engine.
// It survives resource-limit updates (the VM is replaced, the session's
// history is not) and feeds the executions API without the sandbox
// depending on it.
type History struct {
	mu      sync.Mutex
	cap     int
	records []ExecutionRecord
	start   int
	count   int
}

// NewHistory creates a history holding at most capacity records.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{
		cap:     capacity,
		records: make([]ExecutionRecord, capacity),
	}
}

// Add appends a record, evicting the oldest when full.
func (h *History) Add(rec ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := (h.start + h.count) % h.cap
	h.records[idx] = rec
	if h.count < h.cap {
		h.count++
	} else {
		h.start = (h.start + 1) % h.cap
	}
}

// Recent returns up to n records, newest first.
func (h *History) Recent(n int) []ExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]ExecutionRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.start + h.count - 1 - i) % h.cap
		out = append(out, h.records[idx])
	}
	return out
}

// Len returns the number of stored records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
