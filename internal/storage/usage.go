package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const usageDateLayout = "2006-01-02"

// UsageRecord is the per-day, per-backend dispatch tally
type UsageRecord struct {
	Date             string `json:"date"` // YYYY-MM-DD
	Backend          string `json:"backend"`
	RequestCount     int64  `json:"request_count"`
	FailedCount      int64  `json:"failed_count"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// UsageEntry is one dispatch outcome fed to the journal
type UsageEntry struct {
	Backend          string
	PromptTokens     int64
	CompletionTokens int64
	Failed           bool
	At               time.Time
}

// UsageJournal persists daily backend usage as JSON files, one per day and backend.
// It is reporting data only; authorization never reads it.
type UsageJournal struct {
	mu       sync.Mutex
	usageDir string
}

// NewUsageJournal creates a journal writing under usageDir
func NewUsageJournal(usageDir string) *UsageJournal {
	return &UsageJournal{usageDir: usageDir}
}

func (j *UsageJournal) path(date, backend string) string {
	name := fmt.Sprintf("%s_%s.json", date, sanitizeFilename(backend))
	return filepath.Join(j.usageDir, name)
}

// Merge adds delta's counters to the file of delta.Date and delta.Backend
func (j *UsageJournal) Merge(delta UsageRecord) error {
	if delta.Backend == "" || delta.Date == "" {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	// 确保目录存在
	if err := os.MkdirAll(j.usageDir, 0755); err != nil {
		return fmt.Errorf("failed to create usage directory: %w", err)
	}

	filePath := j.path(delta.Date, delta.Backend)
	record := UsageRecord{Date: delta.Date, Backend: delta.Backend}
	if data, err := os.ReadFile(filePath); err == nil {
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("failed to parse usage file %s: %w", filePath, err)
		}
	}
	record.add(delta)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}
	// 先写临时文件再重命名，避免读到半个文件
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write usage file: %w", err)
	}
	return os.Rename(tmp, filePath)
}

func (r *UsageRecord) add(delta UsageRecord) {
	r.RequestCount += delta.RequestCount
	r.FailedCount += delta.FailedCount
	r.PromptTokens += delta.PromptTokens
	r.CompletionTokens += delta.CompletionTokens
	r.TotalTokens += delta.TotalTokens
}

// recordOf turns one dispatch outcome into a single-request delta
func recordOf(entry UsageEntry) UsageRecord {
	r := UsageRecord{
		Date:             entry.At.UTC().Format(usageDateLayout),
		Backend:          entry.Backend,
		RequestCount:     1,
		PromptTokens:     entry.PromptTokens,
		CompletionTokens: entry.CompletionTokens,
		TotalTokens:      entry.PromptTokens + entry.CompletionTokens,
	}
	if entry.Failed {
		r.FailedCount = 1
	}
	return r
}

// History returns the records of the last days calendar days (UTC), today included, oldest first
func (j *UsageJournal) History(days int, now time.Time) ([]UsageRecord, error) {
	if days < 1 {
		days = 1
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := os.ReadDir(j.usageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []UsageRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read usage directory: %w", err)
	}

	today, _ := time.Parse(usageDateLayout, now.UTC().Format(usageDateLayout))
	cutoff := today.AddDate(0, 0, -(days - 1))

	records := []UsageRecord{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		// 文件名格式: YYYY-MM-DD_backend.json
		dateStr, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		recordDate, err := time.Parse(usageDateLayout, dateStr)
		if err != nil || recordDate.Before(cutoff) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(j.usageDir, entry.Name()))
		if err != nil {
			continue
		}
		var record UsageRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(a, b int) bool {
		if records[a].Date != records[b].Date {
			return records[a].Date < records[b].Date
		}
		return records[a].Backend < records[b].Backend
	})
	return records, nil
}

// sanitizeFilename keeps a backend name safe to use as part of a file name
func sanitizeFilename(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return r.Replace(name)
}
