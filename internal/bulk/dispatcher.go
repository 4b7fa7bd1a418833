package bulk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mailverify/mailverify/internal/metrics"
)

// ErrDispatcherClosed is returned by Dispatch after Shutdown.
var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// Runner executes a queued task to completion.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// Dispatcher hands queued tasks to a Runner, in process or through a queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) error
}

// LocalDispatcher runs tasks in goroutines of this process, at most
// maxTasks at a time. Tasks beyond the limit wait their turn.
type LocalDispatcher struct {
	runner  Runner
	sem     chan struct{}
	metrics metrics.Recorder
	logger  *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	waiting atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewLocalDispatcher creates a dispatcher running at most maxTasks at once.
func NewLocalDispatcher(runner Runner, maxTasks int, recorder metrics.Recorder, logger *slog.Logger) *LocalDispatcher {
	if maxTasks <= 0 {
		maxTasks = 1
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		runner:  runner,
		sem:     make(chan struct{}, maxTasks),
		metrics: recorder,
		logger:  logger.With("component", "bulk.dispatcher"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Dispatch implements Dispatcher. It never blocks.
func (d *LocalDispatcher) Dispatch(_ context.Context, taskID string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	d.metrics.SetTaskQueueDepth(d.waiting.Add(1))
	go func() {
		defer d.wg.Done()

		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			d.metrics.SetTaskQueueDepth(d.waiting.Add(-1))
			return
		}
		d.metrics.SetTaskQueueDepth(d.waiting.Add(-1))
		defer func() { <-d.sem }()

		if err := d.runner.Run(d.ctx, taskID); err != nil {
			d.logger.Error("bulk task run failed", "task_id", taskID, "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting tasks and waits for running ones. If ctx
// expires first, running tasks are cancelled.
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("bulk dispatcher shutdown complete")
		return nil
	case <-ctx.Done():
		d.cancel()
		d.logger.Warn("bulk dispatcher shutdown timed out")
		return ctx.Err()
	}
}
