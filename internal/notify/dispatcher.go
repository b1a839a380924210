package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultSendTimeout = 10 * time.Second

// Dispatcher delivers events in the background through a bounded queue.
// When the queue is full new events are dropped and logged.
type Dispatcher struct {
	sender  Sender
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	queue  chan Event
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher and starts its worker
func NewDispatcher(sender Sender, queueSize int, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		sender:  sender,
		logger:  logger,
		timeout: defaultSendTimeout,
		queue:   make(chan Event, queueSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Notify enqueues the event without waiting for delivery
func (d *Dispatcher) Notify(ctx context.Context, event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- event:
	default:
		d.logger.Warn("Notification queue full, event dropped",
			zap.String("event", string(event.Type)),
			zap.String("id", event.ID))
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sender.Send(ctx, event); err != nil {
			d.logger.Warn("Failed to deliver notification",
				zap.String("event", string(event.Type)),
				zap.String("id", event.ID),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queued ones are delivered
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}
