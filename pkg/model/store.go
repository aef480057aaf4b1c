package model

import (
	"context"
	"errors"
	"time"
)

// ErrTaskNotFound is returned by TaskStore implementations when a task id
// does not exist for the given owner.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore is the local task persistence layer. It is a plain CRUD
// collaborator with no sync awareness; the sync engine is its only caller
// here and keeps all bookkeeping elsewhere.
type TaskStore interface {
	// ListTasksChangedSince returns tasks whose UpdatedAt is strictly after
	// the given timestamp, oldest first.
	ListTasksChangedSince(ctx context.Context, ownerID string, since time.Time) ([]*Task, error)

	// GetTask returns the task or ErrTaskNotFound.
	GetTask(ctx context.Context, ownerID, id string) (*Task, error)

	// CreateTask creates a task from a draft and returns it with its new id.
	CreateTask(ctx context.Context, ownerID string, draft *TaskDraft) (*Task, error)

	// UpdateTask applies the non-zero draft fields to an existing task.
	UpdateTask(ctx context.Context, ownerID, id string, draft *TaskDraft) (*Task, error)

	// DeleteTask removes a task. Deleting a missing task returns
	// ErrTaskNotFound.
	DeleteTask(ctx context.Context, ownerID, id string) error
}
