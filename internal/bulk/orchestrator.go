// Package bulk runs batch verification tasks over uploaded CSV files.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mailverify/mailverify/internal/metrics"
	"github.com/mailverify/mailverify/internal/model"
	"github.com/mailverify/mailverify/internal/pipeline"
	"github.com/mailverify/mailverify/internal/storage"
)

// Sentinel errors.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskNotCompleted = errors.New("task not completed")
	ErrSourceUnreadable = errors.New("source file unreadable")
)

// Defaults.
const (
	DefaultWorkers          = 50
	DefaultMaxTasks         = 4
	DefaultProgressInterval = time.Second
)

// Ledger is the part of the credit ledger a task needs.
type Ledger interface {
	Authorize(ctx context.Context, userID string, n int64) error
	Debit(ctx context.Context, userID string, n int64, reason string) (model.Balances, error)
}

// Upload is one submitted file.
type Upload struct {
	Filename string
	Body     io.Reader
}

// Config holds orchestrator settings.
type Config struct {
	Workers          int
	MaxTasks         int
	ProgressInterval time.Duration
	// Dispatcher defaults to a LocalDispatcher bounded by MaxTasks.
	Dispatcher Dispatcher
}

// Orchestrator accepts bulk uploads and runs them.
type Orchestrator struct {
	tasks    TaskStore
	store    storage.Store
	ledger   Ledger
	verifier pipeline.Verifier
	cfg      Config
	metrics  metrics.Recorder
	logger   *slog.Logger

	dispatcher Dispatcher
	local      *LocalDispatcher

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New creates an Orchestrator.
func New(tasks TaskStore, store storage.Store, ledger Ledger, verifier pipeline.Verifier, cfg Config, recorder metrics.Recorder, logger *slog.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = DefaultMaxTasks
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		tasks:    tasks,
		store:    store,
		ledger:   ledger,
		verifier: verifier,
		cfg:      cfg,
		metrics:  recorder,
		logger:   logger.With("component", "bulk"),
		running:  make(map[string]context.CancelCauseFunc),
	}
	o.dispatcher = cfg.Dispatcher
	if o.dispatcher == nil {
		o.local = NewLocalDispatcher(o, cfg.MaxTasks, recorder, logger)
		o.dispatcher = o.local
	}
	return o
}

// Shutdown stops the in-process dispatcher if one is used.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.local == nil {
		return nil
	}
	return o.local.Shutdown(ctx)
}

// Submit spools the uploads, reserves credits for them and queues the task.
func (o *Orchestrator) Submit(ctx context.Context, userID string, files []Upload) (*model.BulkTask, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files uploaded", ErrInvalidInput)
	}

	task := &model.BulkTask{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Status:    model.TaskQueued,
		CreatedAt: time.Now().UTC(),
	}

	names := make([]string, 0, len(files))
	for i, f := range files {
		name := sanitizeFilename(f.Filename)
		key := fmt.Sprintf("%ssource/%d-%s", task.StoragePrefix(), i, name)
		if _, err := storage.Put(ctx, o.store, key, f.Body); err != nil {
			o.discard(task)
			return nil, fmt.Errorf("failed to spool upload: %w", err)
		}
		task.Sources = append(task.Sources, key)
		names = append(names, name)
	}
	task.Filename = strings.Join(names, ", ")

	total, err := o.countRows(ctx, task.Sources)
	if err != nil {
		o.discard(task)
		return nil, err
	}
	if total == 0 {
		o.discard(task)
		return nil, fmt.Errorf("%w: no email addresses found", ErrInvalidInput)
	}
	task.TotalEmails = total

	if err := o.ledger.Authorize(ctx, userID, total); err != nil {
		o.discard(task)
		return nil, err
	}

	if err := o.tasks.CreateTask(ctx, task); err != nil {
		o.discard(task)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if err := o.dispatcher.Dispatch(ctx, task.ID); err != nil {
		_ = o.tasks.DeleteTask(context.WithoutCancel(ctx), task.ID)
		o.discard(task)
		return nil, fmt.Errorf("failed to dispatch task: %w", err)
	}

	o.logger.Info("bulk task queued",
		"task_id", task.ID,
		"user_id", userID,
		"files", len(files),
		"total_emails", total,
	)
	return task, nil
}

func (o *Orchestrator) countRows(ctx context.Context, keys []string) (int64, error) {
	var total int64
	for _, key := range keys {
		r, err := o.store.Open(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("failed to open upload: %w", err)
		}
		n, err := countAddresses(r)
		_ = r.Close()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		total += n
	}
	return total, nil
}

// discard removes everything stored for a task that never got queued.
func (o *Orchestrator) discard(task *model.BulkTask) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := o.store.DeletePrefix(ctx, task.StoragePrefix()); err != nil {
		o.logger.Warn("failed to discard task files", "task_id", task.ID, "error", err)
	}
}

// GetStatus returns a task owned by userID.
func (o *Orchestrator) GetStatus(ctx context.Context, userID, taskID string) (*model.BulkTask, error) {
	task, err := o.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// List returns the user's tasks, newest first.
func (o *Orchestrator) List(ctx context.Context, userID string) ([]*model.BulkTask, error) {
	return o.tasks.ListTasks(ctx, userID)
}

// Delete cancels a task if it runs here and removes it with its files.
func (o *Orchestrator) Delete(ctx context.Context, userID, taskID string) error {
	task, err := o.GetStatus(ctx, userID, taskID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if cancel, ok := o.running[taskID]; ok {
		cancel(errTaskDeleted)
	}
	o.mu.Unlock()

	if err := o.tasks.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if err := o.store.DeletePrefix(ctx, task.StoragePrefix()); err != nil {
		return fmt.Errorf("failed to delete task files: %w", err)
	}

	o.logger.Info("bulk task deleted", "task_id", taskID, "user_id", userID)
	return nil
}

// Open streams one artifact of a completed task.
func (o *Orchestrator) Open(ctx context.Context, userID, taskID string, kind model.ArtifactKind) (io.ReadCloser, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown file type %q", ErrInvalidInput, kind)
	}
	task, err := o.GetStatus(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskCompleted {
		return nil, ErrTaskNotCompleted
	}

	r, err := o.store.Open(ctx, task.ArtifactKey(kind))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return r, nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "upload.csv"
	}
	return out
}
