package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailverify/mailverify/internal/classifier"
	"github.com/mailverify/mailverify/internal/ledger"
	"github.com/mailverify/mailverify/internal/model"
	"github.com/mailverify/mailverify/internal/pipeline"
)

var (
	errTaskDeleted    = errors.New("task deleted")
	errRunInterrupted = errors.New("run interrupted before completion")
)

const cleanupTimeout = 30 * time.Second

type job struct {
	idx  int64
	addr string
}

type outcome struct {
	idx int64
	res model.VerificationResult
}

// tally holds the live counters of a run.
type tally struct {
	processed  atomic.Int64
	categories [model.NumCategories]atomic.Int64
}

func (t *tally) add(res *model.VerificationResult) {
	t.categories[model.CategoryOf(res)].Add(1)
	t.processed.Add(1)
}

func (t *tally) counters() model.TaskCounters {
	var c [model.NumCategories]int64
	for i := range t.categories {
		c[i] = t.categories[i].Load()
	}
	return model.CountersFrom(c)
}

// Run executes a queued task. It implements Runner.
//
// Unknown, deleted and finished tasks are ignored. A task already marked
// running belonged to a runner that died; it is failed rather than rerun
// because its credits were partly spent.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	task, err := o.tasks.GetTask(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	if task.Status.IsFinal() {
		return nil
	}
	if task.Status == model.TaskRunning {
		return o.fail(ctx, task, errRunInterrupted)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	o.mu.Lock()
	o.running[taskID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, taskID)
		o.mu.Unlock()
	}()

	started := time.Now().UTC()
	task.Status = model.TaskRunning
	task.StartedAt = &started
	if err := o.tasks.UpdateTask(runCtx, task); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil
		}
		return fmt.Errorf("failed to start task: %w", err)
	}
	o.logger.Info("bulk task started", "task_id", taskID, "total_emails", task.TotalEmails)

	artifacts, err := createArtifacts(runCtx, o.store, task)
	if err != nil {
		return o.fail(ctx, task, err)
	}

	var counts tally
	runErr := o.process(runCtx, cancel, task, artifacts, &counts)
	closeErr := artifacts.Close()

	if cause := context.Cause(runCtx); errors.Is(cause, errTaskDeleted) {
		o.cleanup(task)
		o.logger.Info("bulk task stopped after deletion", "task_id", taskID)
		return nil
	}

	task.Processed = counts.processed.Load()
	task.Counters = counts.counters()
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	if runErr == nil {
		runErr = closeErr
	}
	if runErr != nil {
		return o.fail(ctx, task, runErr)
	}

	completed := time.Now().UTC()
	task.Status = model.TaskCompleted
	task.TotalEmails = task.Processed
	task.Progress = 100
	task.CompletedAt = &completed
	if err := o.tasks.UpdateTask(context.WithoutCancel(ctx), task); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			o.cleanup(task)
			return nil
		}
		return fmt.Errorf("failed to complete task: %w", err)
	}

	o.metrics.IncTaskFinished(string(model.TaskCompleted))
	o.logger.Info("bulk task completed",
		"task_id", taskID,
		"processed", task.Processed,
		"duration_ms", completed.Sub(started).Milliseconds(),
	)
	return nil
}

// process streams the sources through the worker pool and writes the
// results in input order. It returns when every record is written or the
// run is cancelled.
func (o *Orchestrator) process(ctx context.Context, cancel context.CancelCauseFunc, task *model.BulkTask, artifacts *artifactSet, counts *tally) error {
	window := make(chan struct{}, o.cfg.Workers*4)
	jobs := make(chan job, o.cfg.Workers)
	results := make(chan outcome, cap(window))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		var idx int64
		for _, key := range task.Sources {
			r, err := o.store.Open(gctx, key)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
			}
			err = scanAddresses(r, func(addr string) error {
				select {
				case window <- struct{}{}:
				case <-gctx.Done():
					return gctx.Err()
				}
				select {
				case jobs <- job{idx: idx, addr: addr}:
					idx++
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
			_ = r.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})

	for range o.cfg.Workers {
		g.Go(func() error {
			for j := range jobs {
				// Buffered jobs are dropped once the run is cancelled.
				if err := gctx.Err(); err != nil {
					return err
				}
				res := o.verifyOne(gctx, task.UserID, j.addr)
				counts.add(&res)
				select {
				case results <- outcome{idx: j.idx, res: res}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- g.Wait()
		close(results)
	}()

	writeErr := o.collect(ctx, cancel, task, artifacts, counts, results, window)
	if writeErr != nil {
		cancel(writeErr)
	}
	// Drain so the workers can exit.
	for range results {
	}

	err := <-waitErr
	if writeErr != nil {
		return writeErr
	}
	if err != nil && ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

// collect writes results in input order and flushes progress.
func (o *Orchestrator) collect(ctx context.Context, cancel context.CancelCauseFunc, task *model.BulkTask, artifacts *artifactSet, counts *tally, results <-chan outcome, window <-chan struct{}) error {
	ticker := time.NewTicker(o.cfg.ProgressInterval)
	defer ticker.Stop()

	pending := make(map[int64]model.VerificationResult)
	var next int64

	flush := func() {
		progress := progressOf(counts.processed.Load(), task.TotalEmails)
		if progress <= task.Progress && counts.processed.Load() == task.Processed {
			return
		}
		task.Progress = max(task.Progress, progress)
		task.Processed = counts.processed.Load()
		task.Counters = counts.counters()
		if err := o.tasks.UpdateTask(ctx, task); err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				cancel(errTaskDeleted)
				return
			}
			o.logger.Warn("failed to flush task progress", "task_id", task.ID, "error", err)
		}
	}

	for {
		select {
		case out, ok := <-results:
			if !ok {
				return nil
			}
			pending[out.idx] = out.res
			for {
				res, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				<-window
				if err := artifacts.Write(&res); err != nil {
					return fmt.Errorf("failed to write results: %w", err)
				}
			}
			if progressOf(counts.processed.Load(), task.TotalEmails) > task.Progress {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			return nil
		}
	}
}

// verifyOne charges one credit and verifies addr. Without credits the
// address is reported unknown and skipped. Nothing is charged once ctx is
// done.
func (o *Orchestrator) verifyOne(ctx context.Context, userID, addr string) model.VerificationResult {
	err := ctx.Err()
	if err == nil {
		_, err = o.ledger.Debit(ctx, userID, 1, model.ReasonVerification)
	}
	if err != nil {
		res := model.VerificationResult{
			Email:       classifier.Normalize(addr),
			Status:      model.StatusUnknown,
			MXValid:     model.Undetermined,
			SMTPOutcome: model.SMTPUnknown,
			Grade:       pipeline.Grade(0),
		}
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			res.Skipped = true
			res.Reason = "insufficient credits"
		} else {
			res.Error = err.Error()
		}
		return res
	}
	return o.verifier.Verify(ctx, addr)
}

// fail marks the task failed and removes partial results.
func (o *Orchestrator) fail(ctx context.Context, task *model.BulkTask, cause error) error {
	ctx = context.WithoutCancel(ctx)

	removeCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	if err := o.store.DeletePrefix(removeCtx, task.StoragePrefix()+"results/"); err != nil {
		o.logger.Warn("failed to remove partial results", "task_id", task.ID, "error", err)
	}

	completed := time.Now().UTC()
	task.Status = model.TaskFailed
	task.Error = cause.Error()
	task.CompletedAt = &completed
	if err := o.tasks.UpdateTask(ctx, task); err != nil && !errors.Is(err, ErrTaskNotFound) {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}

	o.metrics.IncTaskFinished(string(model.TaskFailed))
	o.logger.Error("bulk task failed", "task_id", task.ID, "error", cause)
	return nil
}

// cleanup removes the files of a task deleted mid-run.
func (o *Orchestrator) cleanup(task *model.BulkTask) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := o.store.DeletePrefix(ctx, task.StoragePrefix()); err != nil {
		o.logger.Warn("failed to remove deleted task files", "task_id", task.ID, "error", err)
	}
}

// progressOf returns the completion percentage, held below 100 until the
// task is marked completed.
func progressOf(processed, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(processed * 100 / total)
	return min(max(p, 0), 99)
}
