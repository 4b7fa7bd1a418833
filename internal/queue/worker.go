package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mailverify/mailverify/internal/bulk"
	"github.com/mailverify/mailverify/internal/metrics"
)

// ConsumerGroup is shared by every worker of every instance.
const ConsumerGroup = "bulk_runners"

// Worker defaults.
const (
	DefaultBlockTimeout  = 5 * time.Second
	DefaultReclaimEvery  = 30 * time.Second
	DefaultReclaimIdle   = 2 * time.Minute
	DefaultDepthInterval = 5 * time.Second
	errorBackoff         = time.Second
)

// InstanceName names this process for consumer names: host, pid and a ULID
// so restarts never reuse a name.
func InstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "runner"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), ulid.Make())
}

// Option tunes a Worker.
type Option func(*Worker)

// WithBlockTimeout bounds each blocking read.
func WithBlockTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.block = d
		}
	}
}

// WithReclaim sets how often the worker looks for abandoned entries and how
// long an entry must sit idle to count as abandoned. Running tasks refresh
// their entry well within idle.
func WithReclaim(every, idle time.Duration) Option {
	return func(w *Worker) {
		if every > 0 {
			w.reclaimEvery = every
		}
		if idle > 0 {
			w.reclaimIdle = idle
		}
	}
}

// Worker runs queued tasks one at a time. Start several for concurrency.
type Worker struct {
	rdb     *redis.Client
	runner  bulk.Runner
	logger  *slog.Logger
	metrics metrics.Recorder
	name    string

	block        time.Duration
	reclaimEvery time.Duration
	reclaimIdle  time.Duration
	reclaimFrom  string
	nextReclaim  time.Time
	nextDepth    time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	abort    context.CancelFunc
	abortMu  sync.Mutex
}

// NewWorker returns a Worker consuming as name in ConsumerGroup.
func NewWorker(rdb *redis.Client, runner bulk.Runner, logger *slog.Logger, name string, recorder metrics.Recorder, opts ...Option) *Worker {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	w := &Worker{
		rdb:          rdb,
		runner:       runner,
		logger:       logger.With("component", "queue.worker", "consumer", name),
		metrics:      recorder,
		name:         name,
		block:        DefaultBlockTimeout,
		reclaimEvery: DefaultReclaimEvery,
		reclaimIdle:  DefaultReclaimIdle,
		reclaimFrom:  "0-0",
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes until ctx ends or Shutdown is called. A running task keeps
// going after ctx ends so Shutdown can wait for it.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("worker already running")
	}
	defer close(w.done)

	taskCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()
	w.abortMu.Lock()
	w.abort = abort
	w.abortMu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-readCtx.Done():
		}
	}()

	err := w.rdb.XGroupCreateMkStream(readCtx, StreamKey, ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	w.logger.Info("queue worker started")

	for {
		msg, err := w.next(readCtx)
		if readCtx.Err() != nil {
			w.logger.Info("queue worker stopped")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		if err == nil && msg != nil {
			err = w.handle(taskCtx, *msg)
		}
		if err != nil {
			w.logger.Error("queue worker error", "error", err)
			select {
			case <-time.After(errorBackoff):
			case <-readCtx.Done():
			}
		}
	}
}

// Shutdown stops reading and waits for the running task. When ctx expires
// first the task is cancelled. It matches server.ShutdownFunc.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	if !w.started.Load() {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.abortMu.Lock()
		if w.abort != nil {
			w.abort()
		}
		w.abortMu.Unlock()
		w.logger.Warn("queue worker shutdown timed out, task cancelled")
		return ctx.Err()
	}
}

// next returns an abandoned entry when one is due for reclaiming, otherwise
// blocks for a new one. It returns nil when the read timed out.
func (w *Worker) next(ctx context.Context) (*redis.XMessage, error) {
	now := time.Now()
	if now.After(w.nextDepth) {
		w.nextDepth = now.Add(DefaultDepthInterval)
		w.reportDepth(ctx)
	}
	if now.After(w.nextReclaim) {
		w.nextReclaim = now.Add(w.reclaimEvery)
		msgs, from, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   StreamKey,
			Group:    ConsumerGroup,
			Consumer: w.name,
			MinIdle:  w.reclaimIdle,
			Start:    w.reclaimFrom,
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			w.logger.Warn("failed to reclaim abandoned tasks", "error", err)
		} else {
			if from != "" {
				w.reclaimFrom = from
			}
			if len(msgs) > 0 {
				w.logger.Info("reclaimed abandoned task", "entry_id", msgs[0].ID)
				return &msgs[0], nil
			}
		}
	}

	streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: w.name,
		Streams:  []string{StreamKey, ">"},
		Count:    1,
		Block:    w.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return &streams[0].Messages[0], nil
}

// handle runs one entry and acknowledges it. Entries that fail to run stay
// pending for a later reclaim; undecodable ones are dead-lettered.
func (w *Worker) handle(ctx context.Context, msg redis.XMessage) error {
	task, err := decodeMessage(msg)
	if err != nil {
		w.deadLetter(ctx, msg, err)
		return w.ack(ctx, msg.ID)
	}

	log := w.logger.With("task_id", task.TaskID, "entry_id", msg.ID)
	log.Info("running queued task", "waited", time.Since(task.QueuedAt).Round(time.Millisecond))

	heartbeat := w.heartbeat(ctx, msg.ID)
	err = w.runner.Run(ctx, task.TaskID)
	heartbeat()
	if err != nil {
		return fmt.Errorf("task %s: %w", task.TaskID, err)
	}
	return w.ack(ctx, msg.ID)
}

// heartbeat re-claims the entry for this consumer while its task runs, which
// resets its idle time so no other worker reclaims it. The returned func
// stops the heartbeat and waits for it.
func (w *Worker) heartbeat(ctx context.Context, entryID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(max(w.reclaimIdle/3, time.Second))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			err := w.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
				Stream:   StreamKey,
				Group:    ConsumerGroup,
				Consumer: w.name,
				Messages: []string{entryID},
			}).Err()
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("task heartbeat failed", "entry_id", entryID, "error", err)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (w *Worker) reportDepth(ctx context.Context) {
	groups, err := w.rdb.XInfoGroups(ctx, StreamKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			w.logger.Warn("failed to read queue depth", "error", err)
		}
		return
	}
	for _, g := range groups {
		if g.Name == ConsumerGroup {
			w.metrics.SetTaskQueueDepth(g.Pending + g.Lag)
		}
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg redis.XMessage, cause error) {
	w.logger.Warn("dead-lettering task entry", "entry_id", msg.ID, "error", cause)
	values := map[string]any{
		"entry_id":         msg.ID,
		"error":            cause.Error(),
		"dead_lettered_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range msg.Values {
		values["orig_"+k] = v
	}
	err := w.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStreamKey,
		MaxLen: deadLetterCap,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		w.logger.Error("failed to dead-letter task entry", "entry_id", msg.ID, "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, entryID string) error {
	if err := w.rdb.XAck(ctx, StreamKey, ConsumerGroup, entryID).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", entryID, err)
	}
	return nil
}
