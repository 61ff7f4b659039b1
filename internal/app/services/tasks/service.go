package tasks

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
	"github.com/econos-labs/master-engine/internal/app/metrics"
	"github.com/econos-labs/master-engine/internal/app/storage"
	"github.com/econos-labs/master-engine/pkg/logger"
)

// Service owns the task registry. All status changes route through the
// lifecycle table in the task package; concurrent mutations of the same
// task are serialized by a per-task lock.
type Service struct {
	store storage.TaskStore
	log   *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store storage.TaskStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("tasks")
	}
	return &Service{
		store: store,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

// CreateParams carries the validated boundary input for a new task.
type CreateParams struct {
	Type                 string
	Input                map[string]interface{}
	RequiredCapabilities []string
	Deadline             time.Time
	Budget               *big.Int
}

// Create registers a new pending task after schema validation.
func (s *Service) Create(ctx context.Context, p CreateParams) (task.Task, error) {
	if err := validateInput(p.Type, p.Input); err != nil {
		return task.Task{}, err
	}
	if p.Budget == nil || p.Budget.Sign() <= 0 {
		return task.Task{}, fault.Errorf(fault.KindValidation, "budget must be positive")
	}
	now := time.Now().UTC()
	if !p.Deadline.After(now) {
		return task.Task{}, fault.Errorf(fault.KindValidation, "deadline must be in the future")
	}

	t := task.Task{
		ID:                   "task-" + uuid.NewString(),
		Type:                 p.Type,
		InputParameters:      p.Input,
		RequiredCapabilities: append([]string(nil), p.RequiredCapabilities...),
		Deadline:             p.Deadline.UTC(),
		Budget:               new(big.Int).Set(p.Budget),
		Status:               task.StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	created, err := s.store.CreateTask(ctx, t)
	if err != nil {
		return task.Task{}, fault.Wrap(fault.KindInternal, err, "persist task")
	}
	s.log.WithField("task_id", created.ID).WithField("type", created.Type).Info("task created")
	return created, nil
}

// Get returns the task with the given local id.
func (s *Service) Get(ctx context.Context, id string) (task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// GetByHash resolves a task from its on-chain keccak identifier.
func (s *Service) GetByHash(ctx context.Context, hash common.Hash) (task.Task, error) {
	return s.store.GetTaskByHash(ctx, hash)
}

// GetByStatus lists tasks in the given lifecycle state.
func (s *Service) GetByStatus(ctx context.Context, status task.Status) ([]task.Task, error) {
	return s.store.ListTasksByStatus(ctx, status)
}

// GetExpiredTasks lists funded tasks whose deadline has passed.
func (s *Service) GetExpiredTasks(ctx context.Context, now time.Time) ([]task.Task, error) {
	return s.store.ListExpiredTasks(ctx, now)
}

// UpdateStatus transitions a task to the given state, enforcing the
// lifecycle table. Terminal states never change again.
func (s *Service) UpdateStatus(ctx context.Context, id string, to task.Status) (task.Task, error) {
	return s.mutate(ctx, id, func(t *task.Task) error {
		if err := task.Transition(t.Status, to); err != nil {
			return err
		}
		t.Status = to
		return nil
	})
}

// AssignWorker records the selected worker for a pending task.
func (s *Service) AssignWorker(ctx context.Context, id string, addr common.Address) (task.Task, error) {
	if addr == (common.Address{}) {
		return task.Task{}, fault.Errorf(fault.KindValidation, "worker address must not be zero")
	}
	return s.mutate(ctx, id, func(t *task.Task) error {
		t.AssignedWorker = addr
		return nil
	})
}

// RecordEscrowDeposit attaches the escrow transaction hash. The status move
// to Created happens only when the chain event confirms it.
func (s *Service) RecordEscrowDeposit(ctx context.Context, id string, txHash common.Hash) (task.Task, error) {
	return s.mutate(ctx, id, func(t *task.Task) error {
		if !t.HasWorker() {
			return fault.Errorf(fault.KindProtocol, "task %s has no assigned worker", id)
		}
		t.EscrowTxHash = txHash
		return nil
	})
}

// RecordAuthorization stores a signed authorization. An authorization that
// outlives the task deadline is rejected.
func (s *Service) RecordAuthorization(ctx context.Context, id string, auth task.Authorization) (task.Task, error) {
	return s.mutate(ctx, id, func(t *task.Task) error {
		if auth.ExpiresAt.After(t.Deadline) {
			return fault.Errorf(fault.KindValidation, "authorization expiry %s exceeds task deadline %s",
				auth.ExpiresAt.Format(time.RFC3339), t.Deadline.Format(time.RFC3339))
		}
		clone := auth
		clone.Signature = append(hexutil.Bytes(nil), auth.Signature...)
		t.Authorization = &clone
		return nil
	})
}

// RecordCompletion applies a completion observed on-chain. A task still in
// Authorized is walked through Running first so the lifecycle table holds.
func (s *Service) RecordCompletion(ctx context.Context, id string, resultHash []byte) (task.Task, error) {
	return s.mutate(ctx, id, func(t *task.Task) error {
		if t.Status == task.StatusAuthorized {
			if err := task.Transition(t.Status, task.StatusRunning); err != nil {
				return err
			}
			t.Status = task.StatusRunning
		}
		if err := task.Transition(t.Status, task.StatusCompleted); err != nil {
			return err
		}
		t.Status = task.StatusCompleted
		t.ResultHash = append(hexutil.Bytes(nil), resultHash...)
		return nil
	})
}

// Archive removes a terminal task from the active store.
func (s *Service) Archive(ctx context.Context, id string) error {
	unlock := s.lockTask(id)
	defer unlock()
	return s.store.ArchiveTask(ctx, id)
}

// mutate runs fn on the current task under the per-task lock and persists
// the result. Terminal tasks are immutable.
func (s *Service) mutate(ctx context.Context, id string, fn func(*task.Task) error) (task.Task, error) {
	unlock := s.lockTask(id)
	defer unlock()

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	if task.IsTerminal(t.Status) {
		return task.Task{}, fault.Errorf(fault.KindProtocol, "task %s is terminal (%s)", id, t.Status)
	}

	before := t.Status
	if err := fn(&t); err != nil {
		return task.Task{}, err
	}
	t.UpdatedAt = time.Now().UTC()
	updated, err := s.store.UpdateTask(ctx, t)
	if err != nil {
		return task.Task{}, fault.Wrap(fault.KindInternal, err, "persist task")
	}
	t = updated
	if t.Status != before {
		metrics.RecordTransition(string(t.Status))
		if task.IsTerminal(t.Status) {
			metrics.RecordTaskFinished(string(t.Status), t.UpdatedAt.Sub(t.CreatedAt))
		}
		s.log.WithField("task_id", t.ID).
			WithField("from", string(before)).
			WithField("to", string(t.Status)).
			Info("task status changed")
	}
	return t, nil
}

func (s *Service) lockTask(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}
