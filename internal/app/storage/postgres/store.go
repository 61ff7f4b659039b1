// Package postgres implements the storage interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
	"github.com/econos-labs/master-engine/internal/app/storage"
)

// Schema creates the task and checkpoint tables. The partial index keeps the
// expiry sweep an index-only scan.
const Schema = `
CREATE TABLE IF NOT EXISTS engine_tasks (
    task_id        TEXT PRIMARY KEY,
    task_hash      TEXT NOT NULL UNIQUE,
    task_type      TEXT NOT NULL,
    input_params   JSONB NOT NULL DEFAULT '{}'::jsonb,
    capabilities   JSONB NOT NULL DEFAULT '[]'::jsonb,
    deadline       TIMESTAMPTZ NOT NULL,
    budget_wei     NUMERIC(78,0) NOT NULL,
    status         TEXT NOT NULL,
    worker_address TEXT NOT NULL DEFAULT '',
    escrow_tx_hash TEXT NOT NULL DEFAULT '',
    result_hash    TEXT NOT NULL DEFAULT '',
    auth_payload   JSONB,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS engine_tasks_status_idx ON engine_tasks (status);
CREATE INDEX IF NOT EXISTS engine_tasks_sweep_idx ON engine_tasks (deadline)
    WHERE status IN ('created', 'authorized', 'running');

CREATE TABLE IF NOT EXISTS engine_checkpoints (
    name  TEXT PRIMARY KEY,
    block BIGINT NOT NULL
);
`

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.TaskStore = (*Store)(nil)
var _ storage.CheckpointStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema applies the schema idempotently.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

type taskRow struct {
	TaskID        string         `db:"task_id"`
	TaskHash      string         `db:"task_hash"`
	TaskType      string         `db:"task_type"`
	InputParams   []byte         `db:"input_params"`
	Capabilities  []byte         `db:"capabilities"`
	Deadline      time.Time      `db:"deadline"`
	BudgetWei     string         `db:"budget_wei"`
	Status        string         `db:"status"`
	WorkerAddress string         `db:"worker_address"`
	EscrowTxHash  string         `db:"escrow_tx_hash"`
	ResultHash    string         `db:"result_hash"`
	Authorization sql.NullString `db:"auth_payload"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func toRow(t task.Task) (taskRow, error) {
	params, err := json.Marshal(t.InputParameters)
	if err != nil {
		return taskRow{}, fmt.Errorf("marshal input parameters: %w", err)
	}
	caps, err := json.Marshal(t.RequiredCapabilities)
	if err != nil {
		return taskRow{}, fmt.Errorf("marshal capabilities: %w", err)
	}
	row := taskRow{
		TaskID:       t.ID,
		TaskHash:     t.HashID().Hex(),
		TaskType:     t.Type,
		InputParams:  params,
		Capabilities: caps,
		Deadline:     t.Deadline.UTC(),
		BudgetWei:    "0",
		Status:       string(t.Status),
		CreatedAt:    t.CreatedAt.UTC(),
		UpdatedAt:    t.UpdatedAt.UTC(),
	}
	if t.Budget != nil {
		row.BudgetWei = t.Budget.String()
	}
	if t.HasWorker() {
		row.WorkerAddress = t.AssignedWorker.Hex()
	}
	if t.HasEscrow() {
		row.EscrowTxHash = t.EscrowTxHash.Hex()
	}
	if len(t.ResultHash) > 0 {
		row.ResultHash = hexutil.Encode(t.ResultHash)
	}
	if t.Authorization != nil {
		auth, err := json.Marshal(t.Authorization)
		if err != nil {
			return taskRow{}, fmt.Errorf("marshal authorization: %w", err)
		}
		row.Authorization = sql.NullString{String: string(auth), Valid: true}
	}
	return row, nil
}

func fromRow(row taskRow) (task.Task, error) {
	t := task.Task{
		ID:        row.TaskID,
		Type:      row.TaskType,
		Deadline:  row.Deadline,
		Status:    task.Status(row.Status),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if len(row.InputParams) > 0 {
		if err := json.Unmarshal(row.InputParams, &t.InputParameters); err != nil {
			return task.Task{}, fmt.Errorf("unmarshal input parameters: %w", err)
		}
	}
	if len(row.Capabilities) > 0 {
		if err := json.Unmarshal(row.Capabilities, &t.RequiredCapabilities); err != nil {
			return task.Task{}, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	budget, ok := new(big.Int).SetString(row.BudgetWei, 10)
	if !ok {
		return task.Task{}, fmt.Errorf("invalid budget %q", row.BudgetWei)
	}
	t.Budget = budget
	if row.WorkerAddress != "" {
		t.AssignedWorker = common.HexToAddress(row.WorkerAddress)
	}
	if row.EscrowTxHash != "" {
		t.EscrowTxHash = common.HexToHash(row.EscrowTxHash)
	}
	if row.ResultHash != "" {
		raw, err := hexutil.Decode(row.ResultHash)
		if err != nil {
			return task.Task{}, fmt.Errorf("decode result hash: %w", err)
		}
		t.ResultHash = raw
	}
	if row.Authorization.Valid {
		var auth task.Authorization
		if err := json.Unmarshal([]byte(row.Authorization.String), &auth); err != nil {
			return task.Task{}, fmt.Errorf("unmarshal authorization: %w", err)
		}
		t.Authorization = &auth
	}
	return t, nil
}

const taskColumns = `task_id, task_hash, task_type, input_params, capabilities,
	deadline, budget_wei, status, worker_address, escrow_tx_hash, result_hash,
	auth_payload, created_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	row, err := toRow(t)
	if err != nil {
		return task.Task{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engine_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, row.TaskID, row.TaskHash, row.TaskType, row.InputParams, row.Capabilities,
		row.Deadline, row.BudgetWei, row.Status, row.WorkerAddress, row.EscrowTxHash,
		row.ResultHash, row.Authorization, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return task.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, t task.Task) (task.Task, error) {
	existing, err := s.GetTask(ctx, t.ID)
	if err != nil {
		return task.Task{}, err
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()

	row, err := toRow(t)
	if err != nil {
		return task.Task{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE engine_tasks
		SET task_type = $2, input_params = $3, capabilities = $4, deadline = $5,
		    budget_wei = $6, status = $7, worker_address = $8, escrow_tx_hash = $9,
		    result_hash = $10, auth_payload = $11, updated_at = $12
		WHERE task_id = $1
	`, row.TaskID, row.TaskType, row.InputParams, row.Capabilities, row.Deadline,
		row.BudgetWei, row.Status, row.WorkerAddress, row.EscrowTxHash,
		row.ResultHash, row.Authorization, row.UpdatedAt)
	if err != nil {
		return task.Task{}, fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return task.Task{}, fault.Errorf(fault.KindResource, "task %s not found", t.ID)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (task.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+taskColumns+` FROM engine_tasks WHERE task_id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fault.Errorf(fault.KindResource, "task %s not found", id)
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("get task: %w", err)
	}
	return fromRow(row)
}

func (s *Store) GetTaskByHash(ctx context.Context, hash common.Hash) (task.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+taskColumns+` FROM engine_tasks WHERE task_hash = $1
	`, hash.Hex())
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fault.Errorf(fault.KindResource, "no task with hash %s", hash.Hex())
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("get task by hash: %w", err)
	}
	return fromRow(row)
}

func (s *Store) ListTasksByStatus(ctx context.Context, status task.Status) ([]task.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM engine_tasks WHERE status = $1 ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	return fromRows(rows)
}

func (s *Store) ListExpiredTasks(ctx context.Context, now time.Time) ([]task.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM engine_tasks
		WHERE deadline < $1 AND status IN ('created', 'authorized', 'running')
		ORDER BY deadline
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	return fromRows(rows)
}

func (s *Store) ArchiveTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM engine_tasks
		WHERE task_id = $1 AND status IN ('completed', 'refunded', 'failed')
	`, id)
	if err != nil {
		return fmt.Errorf("archive task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fault.Errorf(fault.KindResource, "task %s not found or not terminal", id)
	}
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, name string, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_checkpoints (name, block) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET block = EXCLUDED.block
	`, name, int64(block))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, name string) (uint64, error) {
	var block int64
	err := s.db.GetContext(ctx, &block, `
		SELECT block FROM engine_checkpoints WHERE name = $1
	`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	return uint64(block), nil
}

func fromRows(rows []taskRow) ([]task.Task, error) {
	out := make([]task.Task, 0, len(rows))
	for _, row := range rows {
		t, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Open dials PostgreSQL and verifies connectivity.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
