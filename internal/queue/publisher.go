// Package queue distributes bulk tasks across instances over a Redis
// stream. Every instance publishes; workers in one consumer group share the
// tasks, and a task whose worker dies is reclaimed by another.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StreamKey holds queued tasks.
	StreamKey = "mv:stream:bulk_tasks"
	// DeadLetterStreamKey receives entries no worker can decode.
	DeadLetterStreamKey = "mv:stream:bulk_tasks:dlq"

	streamCap     = 100_000
	deadLetterCap = 10_000
	maxTaskIDLen  = 64

	fieldTaskID   = "task_id"
	fieldQueuedMS = "queued_ms"
)

// TaskMessage is one queued task.
type TaskMessage struct {
	TaskID   string
	QueuedAt time.Time
}

func (m TaskMessage) values() map[string]any {
	return map[string]any{
		fieldTaskID:   m.TaskID,
		fieldQueuedMS: strconv.FormatInt(m.QueuedAt.UnixMilli(), 10),
	}
}

var errMalformed = errors.New("malformed task entry")

// decodeMessage reads a stream entry written by Publisher.
func decodeMessage(msg redis.XMessage) (TaskMessage, error) {
	id, _ := msg.Values[fieldTaskID].(string)
	switch {
	case id == "":
		return TaskMessage{}, fmt.Errorf("%w: no %s", errMalformed, fieldTaskID)
	case len(id) > maxTaskIDLen:
		return TaskMessage{}, fmt.Errorf("%w: %s longer than %d", errMalformed, fieldTaskID, maxTaskIDLen)
	}
	raw, _ := msg.Values[fieldQueuedMS].(string)
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return TaskMessage{}, fmt.Errorf("%w: bad %s %q", errMalformed, fieldQueuedMS, raw)
	}
	return TaskMessage{TaskID: id, QueuedAt: time.UnixMilli(ms)}, nil
}

// Publisher enqueues bulk tasks. It implements bulk.Dispatcher.
type Publisher struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewPublisher returns a Publisher writing to StreamKey.
func NewPublisher(rdb *redis.Client, logger *slog.Logger) *Publisher {
	return &Publisher{rdb: rdb, logger: logger.With("component", "queue.publisher")}
}

// Dispatch appends taskID to the stream.
func (p *Publisher) Dispatch(ctx context.Context, taskID string) error {
	msg := TaskMessage{TaskID: taskID, QueuedAt: time.Now()}
	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: streamCap,
		Approx: true,
		Values: msg.values(),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", taskID, err)
	}
	p.logger.Debug("task enqueued", "task_id", taskID, "entry_id", id)
	return nil
}
