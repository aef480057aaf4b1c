// Package taskfile is a JSON-file implementation of model.TaskStore, used by
// the CLI when no external task application is wired in. One file per owner.
package taskfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskshoot/calsync/pkg/model"
)

// Store keeps tasks in <dir>/<owner>.json.
type Store struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a file store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

func (s *Store) path(ownerID string) string {
	return filepath.Join(s.dir, ownerID+".json")
}

func (s *Store) load(ownerID string) ([]*model.Task, error) {
	data, err := os.ReadFile(s.path(ownerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var tasks []*model.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to decode task file for %s: %w", ownerID, err)
	}
	return tasks, nil
}

func (s *Store) save(ownerID string, tasks []*model.Task) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(ownerID), data, 0600)
}

// ListTasksChangedSince implements model.TaskStore.
func (s *Store) ListTasksChangedSince(ctx context.Context, ownerID string, since time.Time) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, err := s.load(ownerID)
	if err != nil {
		return nil, err
	}
	var changed []*model.Task
	for _, t := range tasks {
		if t.UpdatedAt.After(since) {
			changed = append(changed, t)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		return changed[i].UpdatedAt.Before(changed[j].UpdatedAt)
	})
	return changed, nil
}

// GetTask implements model.TaskStore.
func (s *Store) GetTask(ctx context.Context, ownerID, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, err := s.load(ownerID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, model.ErrTaskNotFound
}

// CreateTask implements model.TaskStore.
func (s *Store) CreateTask(ctx context.Context, ownerID string, draft *model.TaskDraft) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, err := s.load(ownerID)
	if err != nil {
		return nil, err
	}
	task := &model.Task{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		Title:            draft.Title,
		Description:      draft.Description,
		Status:           draft.Status,
		Priority:         draft.Priority,
		StartDate:        draft.StartDate,
		DueDate:          draft.DueDate,
		EstimatedMinutes: draft.EstimatedMinutes,
		CategoryID:       draft.CategoryID,
		UpdatedAt:        s.now(),
	}
	tasks = append(tasks, task)
	if err := s.save(ownerID, tasks); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask implements model.TaskStore.
func (s *Store) UpdateTask(ctx context.Context, ownerID, id string, draft *model.TaskDraft) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, err := s.load(ownerID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ID != id {
			continue
		}
		if draft.Title != "" {
			t.Title = draft.Title
		}
		t.Description = draft.Description
		if draft.Status != "" {
			t.Status = draft.Status
		}
		if draft.Priority != "" {
			t.Priority = draft.Priority
		}
		if draft.StartDate != nil {
			t.StartDate = draft.StartDate
		}
		if draft.DueDate != nil {
			t.DueDate = draft.DueDate
		}
		if draft.EstimatedMinutes > 0 {
			t.EstimatedMinutes = draft.EstimatedMinutes
		}
		if draft.CategoryID != "" {
			t.CategoryID = draft.CategoryID
		}
		t.UpdatedAt = s.now()
		if err := s.save(ownerID, tasks); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, model.ErrTaskNotFound
}

// DeleteTask implements model.TaskStore.
func (s *Store) DeleteTask(ctx context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, err := s.load(ownerID)
	if err != nil {
		return err
	}
	for i, t := range tasks {
		if t.ID == id {
			tasks = append(tasks[:i], tasks[i+1:]...)
			return s.save(ownerID, tasks)
		}
	}
	return model.ErrTaskNotFound
}
