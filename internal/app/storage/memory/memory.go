// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
	"github.com/econos-labs/master-engine/internal/app/storage"
)

// Store keeps tasks and checkpoints in process memory.
type Store struct {
	mu          sync.RWMutex
	tasks       map[string]task.Task
	byHash      map[common.Hash]string
	checkpoints map[string]uint64
}

var _ storage.TaskStore = (*Store)(nil)
var _ storage.CheckpointStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		tasks:       make(map[string]task.Task),
		byHash:      make(map[common.Hash]string),
		checkpoints: make(map[string]uint64),
	}
}

func (s *Store) CreateTask(_ context.Context, t task.Task) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		return task.Task{}, fmt.Errorf("task id required")
	}
	if _, exists := s.tasks[t.ID]; exists {
		return task.Task{}, fmt.Errorf("task %s already exists", t.ID)
	}

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	stored := t.Clone()
	s.tasks[t.ID] = stored
	s.byHash[t.HashID()] = t.ID
	return stored.Clone(), nil
}

func (s *Store) UpdateTask(_ context.Context, t task.Task) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.tasks[t.ID]
	if !ok {
		return task.Task{}, fault.Errorf(fault.KindResource, "task %s not found", t.ID)
	}

	t.CreatedAt = original.CreatedAt
	t.UpdatedAt = time.Now().UTC()

	stored := t.Clone()
	s.tasks[t.ID] = stored
	return stored.Clone(), nil
}

func (s *Store) GetTask(_ context.Context, id string) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, fault.Errorf(fault.KindResource, "task %s not found", id)
	}
	return t.Clone(), nil
}

func (s *Store) GetTaskByHash(_ context.Context, hash common.Hash) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return task.Task{}, fault.Errorf(fault.KindResource, "no task with hash %s", hash.Hex())
	}
	return s.tasks[id].Clone(), nil
}

func (s *Store) ListTasksByStatus(_ context.Context, status task.Status) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []task.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *Store) ListExpiredTasks(_ context.Context, now time.Time) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []task.Task
	for _, t := range s.tasks {
		switch t.Status {
		case task.StatusCreated, task.StatusAuthorized, task.StatusRunning:
			if t.Deadline.Before(now) {
				out = append(out, t.Clone())
			}
		}
	}
	return out, nil
}

func (s *Store) ArchiveTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fault.Errorf(fault.KindResource, "task %s not found", id)
	}
	if !task.IsTerminal(t.Status) {
		return fmt.Errorf("task %s is not terminal", id)
	}
	delete(s.byHash, t.HashID())
	delete(s.tasks, id)
	return nil
}

func (s *Store) SaveCheckpoint(_ context.Context, name string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[name] = block
	return nil
}

func (s *Store) LoadCheckpoint(_ context.Context, name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[name], nil
}
