package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
)

const notifyMaxAttempts = 8

// NotifyArgs is the river job carrying one event
type NotifyArgs struct {
	Event Event `json:"event"`
}

func (NotifyArgs) Kind() string { return "notify_event" }

// NotifyWorker delivers queued events. A returned error makes river retry with backoff.
type NotifyWorker struct {
	river.WorkerDefaults[NotifyArgs]
	sender Sender
}

func NewNotifyWorker(sender Sender) *NotifyWorker {
	return &NotifyWorker{sender: sender}
}

func (w *NotifyWorker) Work(ctx context.Context, job *river.Job[NotifyArgs]) error {
	if err := w.sender.Send(ctx, job.Args.Event); err != nil {
		return fmt.Errorf("deliver %s (attempt %d): %w", job.Args.Event.Type, job.Attempt, err)
	}
	return nil
}

// RiverQueue is a durable Notifier backed by the postgres job queue
type RiverQueue struct {
	client *river.Client[pgx.Tx]
	logger *zap.Logger
}

// MigrateRiver applies the river schema
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("failed to apply river migrations: %w", err)
	}
	return nil
}

// NewRiverQueue creates the river client with the notification worker registered
func NewRiverQueue(pool *pgxpool.Pool, sender Sender, logger *zap.Logger) (*RiverQueue, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewNotifyWorker(sender))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create river client: %w", err)
	}
	return &RiverQueue{client: client, logger: logger}, nil
}

// Start begins working jobs
func (q *RiverQueue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

// Stop waits for running jobs to finish
func (q *RiverQueue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}

// Notify inserts the event as a job. Insert failures are logged, never returned.
func (q *RiverQueue) Notify(ctx context.Context, event Event) {
	_, err := q.client.Insert(context.WithoutCancel(ctx), NotifyArgs{Event: event}, &river.InsertOpts{MaxAttempts: notifyMaxAttempts})
	if err != nil {
		q.logger.Warn("Failed to enqueue notification",
			zap.String("event", string(event.Type)),
			zap.String("id", event.ID),
			zap.Error(err))
	}
}
