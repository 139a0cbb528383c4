package sandbox

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/stat"
)

// DefaultHistoryCapacity is the number of entries kept when none is configured.
const DefaultHistoryCapacity = 10

// History is a bounded ring of past executions. The oldest entry is evicted
// once the ring is full.
type History struct {
	mu      sync.RWMutex
	entries []ExecutionHistoryEntry
	next    int
	full    bool
}

// NewHistory creates a history holding at most capacity entries.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{entries: make([]ExecutionHistoryEntry, capacity)}
}

// Record appends a snapshot of result.
func (h *History) Record(result ExecutionResult, code string) {
	digest := blake2b.Sum256([]byte(code))
	entry := ExecutionHistoryEntry{
		ExecutionResult: result,
		RecordedAt:      time.Now(),
		CodeDigest:      hex.EncodeToString(digest[:]),
		CodeBytes:       len(code),
	}
	entry.Error = cloneError(result.Error)
	entry.Render = nil

	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = entry
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// Entries returns a copy of the history, oldest first.
func (h *History) Entries() []ExecutionHistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full {
		out := make([]ExecutionHistoryEntry, h.next)
		copy(out, h.entries[:h.next])
		return cloneEntries(out)
	}
	out := make([]ExecutionHistoryEntry, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	out = append(out, h.entries[:h.next]...)
	return cloneEntries(out)
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.entries)
	}
	return h.next
}

// Capacity returns the maximum number of entries.
func (h *History) Capacity() int {
	return len(h.entries)
}

// Stats summarises the retained entries.
func (h *History) Stats() HistoryStats {
	return Summarize(h.Entries())
}

// Summarize computes counts by status and execution time statistics.
func Summarize(entries []ExecutionHistoryEntry) HistoryStats {
	stats := HistoryStats{
		Count:    len(entries),
		ByStatus: make(map[Status]int),
	}
	if len(entries) == 0 {
		return stats
	}

	times := make([]float64, len(entries))
	calls := make([]float64, len(entries))
	for i, e := range entries {
		stats.ByStatus[e.Status]++
		times[i] = float64(e.ExecutionTime) / float64(time.Millisecond)
		calls[i] = float64(e.FunctionCallCount)
	}

	stats.MeanExecutionMS, stats.StdDevExecutionMS = stat.MeanStdDev(times, nil)
	if len(times) < 2 {
		stats.StdDevExecutionMS = 0
	}
	sort.Float64s(times)
	stats.P95ExecutionMS = stat.Quantile(0.95, stat.Empirical, times, nil)
	stats.MeanFunctionCalls = stat.Mean(calls, nil)
	return stats
}

func cloneError(e *ExecutionError) *ExecutionError {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

func cloneEntries(entries []ExecutionHistoryEntry) []ExecutionHistoryEntry {
	for i := range entries {
		entries[i].Error = cloneError(entries[i].Error)
	}
	return entries
}
