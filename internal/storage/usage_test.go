package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUsageJournal_MergeAndHistory(t *testing.T) {
	journal := NewUsageJournal(t.TempDir())
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, journal.Merge(recordOf(UsageEntry{Backend: "gemini", PromptTokens: 10, CompletionTokens: 5, At: day})))
	require.NoError(t, journal.Merge(recordOf(UsageEntry{Backend: "gemini", PromptTokens: 1, CompletionTokens: 2, At: day})))
	require.NoError(t, journal.Merge(recordOf(UsageEntry{Backend: "groq", Failed: true, At: day})))
	require.NoError(t, journal.Merge(recordOf(UsageEntry{Backend: "groq", At: day.AddDate(0, 0, -10)})))

	records, err := journal.History(7, day)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "gemini", records[0].Backend)
	assert.Equal(t, "2026-03-10", records[0].Date)
	assert.Equal(t, int64(2), records[0].RequestCount)
	assert.Equal(t, int64(11), records[0].PromptTokens)
	assert.Equal(t, int64(7), records[0].CompletionTokens)
	assert.Equal(t, int64(18), records[0].TotalTokens)

	assert.Equal(t, "groq", records[1].Backend)
	assert.Equal(t, int64(1), records[1].FailedCount)

	records, err = journal.History(30, day)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestUsageJournal_HistoryCountsCalendarDays(t *testing.T) {
	journal := NewUsageJournal(t.TempDir())
	today := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, journal.Merge(recordOf(UsageEntry{Backend: "groq", At: today.AddDate(0, 0, -i)})))
	}

	records, err := journal.History(1, today)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "2026-10-16", records[0].Date)

	records, err = journal.History(2, today)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2026-10-15", records[0].Date)

	// 0 天按今天算
	records, err = journal.History(0, today)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestUsageJournal_MissingDirectory(t *testing.T) {
	journal := NewUsageJournal(t.TempDir() + "/missing")
	records, err := journal.History(7, time.Now())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUsageJournal_ConcurrentMerges(t *testing.T) {
	journal := NewUsageJournal(t.TempDir())
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, journal.Merge(recordOf(UsageEntry{Backend: "perplexity", PromptTokens: 1, At: now})))
		}()
	}
	wg.Wait()

	records, err := journal.History(1, now)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(20), records[0].RequestCount)
}

func TestUsageRecorder_AggregatesAndFlushes(t *testing.T) {
	journal := NewUsageJournal(t.TempDir())
	recorder := NewUsageRecorder(journal, 64, time.Hour, zap.NewNop())
	defer recorder.Close()
	now := time.Now()

	recorder.Record(UsageEntry{Backend: "gemini", PromptTokens: 3, CompletionTokens: 4, At: now})
	recorder.Record(UsageEntry{Backend: "gemini", Failed: true, At: now})
	recorder.Record(UsageEntry{Backend: "groq", PromptTokens: 1, At: now})
	recorder.Record(UsageEntry{At: now})

	records, err := recorder.History(1, now)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "gemini", records[0].Backend)
	assert.Equal(t, int64(2), records[0].RequestCount)
	assert.Equal(t, int64(1), records[0].FailedCount)
	assert.Equal(t, int64(7), records[0].TotalTokens)
	assert.Equal(t, int64(1), records[1].RequestCount)
}

func TestUsageRecorder_RecordDoesNotWaitForDisk(t *testing.T) {
	journal := NewUsageJournal(t.TempDir())
	recorder := NewUsageRecorder(journal, 4, time.Millisecond, zap.NewNop())

	// 写盘被卡住时 Record 也必须立即返回
	journal.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			recorder.Record(UsageEntry{Backend: "groq", At: time.Now()})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked while the journal was busy")
	}
	journal.mu.Unlock()

	require.NoError(t, recorder.Close())
	records, err := journal.History(1, time.Now())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Positive(t, records[0].RequestCount)
}

func TestUsageRecorder_CloseWritesPending(t *testing.T) {
	journal := NewUsageJournal(t.TempDir())
	recorder := NewUsageRecorder(journal, 16, time.Hour, zap.NewNop())
	now := time.Now()

	recorder.Record(UsageEntry{Backend: "perplexity", At: now})
	require.NoError(t, recorder.Close())
	// closed recorders ignore new entries
	recorder.Record(UsageEntry{Backend: "perplexity", At: now})
	require.NoError(t, recorder.Flush())

	records, err := journal.History(1, now)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].RequestCount)
}
