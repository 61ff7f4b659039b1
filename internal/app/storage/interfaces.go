// Package storage declares the persistence interfaces consumed by the engine.
package storage

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/econos-labs/master-engine/internal/app/domain/task"
)

// TaskStore persists canonical task records. Implementations must index on
// status and deadline so the expiry sweep stays cheap, and must key the
// on-chain hash alongside the local id so event demultiplexing avoids scans.
type TaskStore interface {
	CreateTask(ctx context.Context, t task.Task) (task.Task, error)
	UpdateTask(ctx context.Context, t task.Task) (task.Task, error)
	GetTask(ctx context.Context, id string) (task.Task, error)
	GetTaskByHash(ctx context.Context, hash common.Hash) (task.Task, error)
	ListTasksByStatus(ctx context.Context, status task.Status) ([]task.Task, error)
	// ListExpiredTasks returns tasks with deadline < now and a status from
	// which a refund could still be driven (created, authorized, running).
	ListExpiredTasks(ctx context.Context, now time.Time) ([]task.Task, error)
	// ArchiveTask removes a terminal task from the active set.
	ArchiveTask(ctx context.Context, id string) error
}

// CheckpointStore persists event-stream cursors so subscriptions resume from
// the last processed block after a restart.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, name string, block uint64) error
	LoadCheckpoint(ctx context.Context, name string) (uint64, error)
}
