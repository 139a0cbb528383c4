package sandbox

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(3)

	for i := 0; i < 5; i++ {
		h.Record(ExecutionResult{ID: fmt.Sprintf("exec-%d", i), Status: StatusSuccess}, "code")
	}

	entries := h.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, []string{"exec-2", "exec-3", "exec-4"}, []string{entries[0].ID, entries[1].ID, entries[2].ID})
}

func TestHistoryPartial(t *testing.T) {
	h := NewHistory(0)
	assert.Equal(t, DefaultHistoryCapacity, h.Capacity())
	assert.Empty(t, h.Entries())

	h.Record(ExecutionResult{ID: "a"}, "")
	assert.Len(t, h.Entries(), 1)
}

func TestHistoryEntryDetails(t *testing.T) {
	h := NewHistory(2)
	result := ExecutionResult{
		ID:     "exec-1",
		Status: StatusError,
		Error:  &ExecutionError{Kind: KindException, Message: "boom"},
		Render: &Render{Width: 10},
	}
	h.Record(result, "rect(0, 0, 1, 1);")

	entry := h.Entries()[0]
	assert.Len(t, entry.CodeDigest, 64)
	assert.Equal(t, 17, entry.CodeBytes)
	assert.Nil(t, entry.Render, "render output is not retained")
	assert.False(t, entry.RecordedAt.IsZero())

	// Mutating the caller's result or a returned entry leaves history intact
	result.Error.Message = "changed"
	entry.Error.Message = "changed again"
	assert.Equal(t, "boom", h.Entries()[0].Error.Message)

	h.Record(ExecutionResult{ID: "exec-2"}, "rect(0, 0, 1, 1);")
	assert.Equal(t, entry.CodeDigest, h.Entries()[1].CodeDigest, "same code, same digest")
}

func TestSummarize(t *testing.T) {
	var entries []ExecutionHistoryEntry
	for i := 1; i <= 20; i++ {
		status := StatusSuccess
		if i%5 == 0 {
			status = StatusTimeout
		}
		entries = append(entries, ExecutionHistoryEntry{ExecutionResult: ExecutionResult{
			Status:            status,
			ExecutionTime:     time.Duration(i) * time.Millisecond,
			FunctionCallCount: uint64(i * 10),
		}})
	}

	stats := Summarize(entries)
	assert.Equal(t, 20, stats.Count)
	assert.Equal(t, 16, stats.ByStatus[StatusSuccess])
	assert.Equal(t, 4, stats.ByStatus[StatusTimeout])
	assert.InDelta(t, 10.5, stats.MeanExecutionMS, 1e-9)
	assert.InDelta(t, 19.0, stats.P95ExecutionMS, 1e-9)
	assert.InDelta(t, 105.0, stats.MeanFunctionCalls, 1e-9)
	assert.Greater(t, stats.StdDevExecutionMS, 0.0)
}

func TestSummarizeSmall(t *testing.T) {
	assert.Equal(t, 0, Summarize(nil).Count)

	stats := Summarize([]ExecutionHistoryEntry{{ExecutionResult: ExecutionResult{
		Status:        StatusSuccess,
		ExecutionTime: 4 * time.Millisecond,
	}}})
	assert.Equal(t, 4.0, stats.MeanExecutionMS)
	assert.Equal(t, 0.0, stats.StdDevExecutionMS)
	assert.Equal(t, 4.0, stats.P95ExecutionMS)
}

func TestExecutionErrorIs(t *testing.T) {
	tests := []struct {
		kind   ErrorKind
		target error
	}{
		{KindTimeout, ErrTimeoutExceeded},
		{KindMemoryLimit, ErrMemoryLimitExceeded},
		{KindFunctionLimit, ErrFunctionCallLimitExceeded},
		{KindTerminated, ErrTerminated},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := error(&ExecutionError{Kind: tt.kind, Message: "x"})
			assert.ErrorIs(t, err, tt.target)
			assert.NotErrorIs(t, &ExecutionError{Kind: KindException}, tt.target)
		})
	}
}

func TestLoadErrorUnwraps(t *testing.T) {
	cause := errors.New("no ready")
	err := fmt.Errorf("create: %w", &LoadError{Isolation: IsolationWorker, Err: cause})

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "worker")
}
