package storage

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultUsageQueue = 1024
	defaultUsageFlush = 30 * time.Second
)

// UsageRecorder takes dispatch outcomes off the request path. Record only enqueues; a single
// worker aggregates the entries in memory and merges them into the journal on every flush.
type UsageRecorder struct {
	journal  *UsageJournal
	logger   *zap.Logger
	interval time.Duration

	mu      sync.RWMutex
	queue   chan UsageEntry
	flushes chan chan error
	closed  bool
	wg      sync.WaitGroup
}

// NewUsageRecorder starts the worker. queueSize and interval fall back to defaults when <= 0.
func NewUsageRecorder(journal *UsageJournal, queueSize int, interval time.Duration, logger *zap.Logger) *UsageRecorder {
	if queueSize <= 0 {
		queueSize = defaultUsageQueue
	}
	if interval <= 0 {
		interval = defaultUsageFlush
	}
	r := &UsageRecorder{
		journal:  journal,
		logger:   logger,
		interval: interval,
		queue:    make(chan UsageEntry, queueSize),
		flushes:  make(chan chan error),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues the entry and never blocks. A full queue drops the entry.
func (r *UsageRecorder) Record(entry UsageEntry) {
	if entry.Backend == "" {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- entry:
	default:
		r.logger.Warn("Usage queue full, entry dropped", zap.String("backend", entry.Backend))
	}
}

// Flush writes everything recorded so far to the journal
func (r *UsageRecorder) Flush() error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil
	}
	done := make(chan error, 1)
	r.flushes <- done
	r.mu.RUnlock()
	return <-done
}

// History flushes pending counters, then reads the journal
func (r *UsageRecorder) History(days int, now time.Time) ([]UsageRecord, error) {
	if err := r.Flush(); err != nil {
		r.logger.Warn("Failed to flush usage before history", zap.Error(err))
	}
	return r.journal.History(days, now)
}

// Close stops accepting entries and writes the pending ones
func (r *UsageRecorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *UsageRecorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	pending := make(map[string]*UsageRecord)
	add := func(entry UsageEntry) {
		delta := recordOf(entry)
		id := delta.Date + "_" + delta.Backend
		if rec, ok := pending[id]; ok {
			rec.add(delta)
			return
		}
		pending[id] = &delta
	}
	flush := func() error {
		var firstErr error
		for id, rec := range pending {
			if err := r.journal.Merge(*rec); err != nil {
				// 保留在内存里，下次再写
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			delete(pending, id)
		}
		return firstErr
	}

	for {
		select {
		case entry, ok := <-r.queue:
			if !ok {
				if err := flush(); err != nil {
					r.logger.Warn("Failed to flush usage on close", zap.Error(err))
				}
				return
			}
			add(entry)
		case done := <-r.flushes:
			// 先把已入队的条目收完
		drain:
			for {
				select {
				case entry, ok := <-r.queue:
					if !ok {
						break drain
					}
					add(entry)
				default:
					break drain
				}
			}
			done <- flush()
		case <-ticker.C:
			if err := flush(); err != nil {
				r.logger.Warn("Failed to flush usage", zap.Error(err))
			}
		}
	}
}
