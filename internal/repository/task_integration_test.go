//go:build integration

package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/mailverify/mailverify/internal/bulk"
	"github.com/mailverify/mailverify/internal/model"
	"github.com/mailverify/mailverify/internal/testutil"
)

func TestIntegrationTaskRepository_CreateAndGet(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	task := testutil.NewTestTask(t, testutil.UniqueID("user"))
	task.Sources = []string{task.StoragePrefix() + "source/0-a.csv", task.StoragePrefix() + "source/1-b.csv"}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.UserID != task.UserID || got.Status != model.TaskQueued {
		t.Errorf("Unexpected task: %+v", got)
	}
	if len(got.Sources) != 2 || got.Sources[1] != task.Sources[1] {
		t.Errorf("Sources not persisted: %v", got.Sources)
	}
}

func TestIntegrationTaskRepository_GetTask_NotFound(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	_, err := repo.GetTask(ctx, "missing")
	if !errors.Is(err, bulk.ErrTaskNotFound) {
		t.Fatalf("Expected ErrTaskNotFound, got: %v", err)
	}
}

func TestIntegrationTaskRepository_UpdateKeepsProgressMonotonic(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	task := testutil.NewTestTask(t, testutil.UniqueID("user"))
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	started := time.Now().UTC()
	task.Status = model.TaskRunning
	task.StartedAt = &started
	task.Progress = 60
	task.Processed = 6
	task.Counters.Safe = 4
	task.Counters.Invalid = 2
	if err := repo.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	stale := *task
	stale.Progress = 30
	if err := repo.UpdateTask(ctx, &stale); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	got, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Progress != 60 {
		t.Errorf("Expected progress to stay at 60, got %d", got.Progress)
	}
	if got.Counters.Safe != 4 || got.Counters.Invalid != 2 {
		t.Errorf("Counters not persisted: %+v", got.Counters)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt should be set")
	}
}

func TestIntegrationTaskRepository_ListNewestFirst(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)
	userID := testutil.UniqueID("user")

	older := testutil.NewTestTask(t, userID)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := testutil.NewTestTask(t, userID)
	other := testutil.NewTestTask(t, testutil.UniqueID("user"))
	for _, task := range []*model.BulkTask{older, newer, other} {
		if err := repo.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	tasks, err := repo.ListTasks(ctx, userID)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != newer.ID || tasks[1].ID != older.ID {
		t.Errorf("Expected newest first, got %s then %s", tasks[0].ID, tasks[1].ID)
	}
}

func TestIntegrationTaskRepository_UpdateAfterDelete(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	task := testutil.NewTestTask(t, testutil.UniqueID("user"))
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := repo.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}

	task.Progress = 10
	if err := repo.UpdateTask(ctx, task); !errors.Is(err, bulk.ErrTaskNotFound) {
		t.Fatalf("Expected ErrTaskNotFound, got: %v", err)
	}
}
