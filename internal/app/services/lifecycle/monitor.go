// Package lifecycle drives task state from the chain: it demultiplexes
// escrow events onto stored tasks and reclaims escrow for expired ones.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/econos-labs/master-engine/internal/app/domain/task"
	"github.com/econos-labs/master-engine/internal/app/metrics"
	"github.com/econos-labs/master-engine/internal/app/storage"
	"github.com/econos-labs/master-engine/internal/chain"
	"github.com/econos-labs/master-engine/pkg/logger"
)

const (
	// DefaultSweepInterval is how often funded tasks are checked for expiry.
	DefaultSweepInterval = 60 * time.Second

	checkpointName = "escrow-events"
)

// TaskRegistry is the slice of the task service the monitor needs.
type TaskRegistry interface {
	GetByHash(ctx context.Context, hash common.Hash) (task.Task, error)
	UpdateStatus(ctx context.Context, id string, to task.Status) (task.Task, error)
	RecordCompletion(ctx context.Context, id string, resultHash []byte) (task.Task, error)
	GetExpiredTasks(ctx context.Context, now time.Time) ([]task.Task, error)
}

// EscrowGateway is the chain surface the monitor consumes.
type EscrowGateway interface {
	WatchEvents(ctx context.Context, fromBlock uint64) (<-chan chain.Event, error)
	RefundAndSlash(ctx context.Context, id common.Hash) (chain.Receipt, error)
}

// Callbacks notify downstream consumers of terminal transitions. All fields
// are optional and must not block.
type Callbacks struct {
	OnTaskComplete func(task.Task)
	OnTaskRefund   func(task.Task)
	OnTaskFail     func(task.Task)
}

// Monitor consumes escrow events and runs the expiry sweep. Event handling
// never propagates errors upward; a failed application is logged and the
// stream continues.
type Monitor struct {
	tasks       TaskRegistry
	gateway     EscrowGateway
	checkpoints storage.CheckpointStore
	callbacks   Callbacks
	interval    time.Duration
	log         *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

type Option func(*Monitor)

// WithSweepInterval overrides the expiry sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithCallbacks installs terminal-transition callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(m *Monitor) { m.callbacks = cb }
}

func New(tasks TaskRegistry, gateway EscrowGateway, checkpoints storage.CheckpointStore, log *logger.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = logger.NewDefault("lifecycle")
	}
	m := &Monitor{
		tasks:       tasks,
		gateway:     gateway,
		checkpoints: checkpoints,
		interval:    DefaultSweepInterval,
		log:         log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Name() string { return "lifecycle-monitor" }

// Start resumes the event stream from the persisted checkpoint and launches
// the sweeper. Starting a running monitor is a no-op.
func (m *Monitor) Start(startCtx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	// Background loops outlive the start call's context.
	ctx, cancel := context.WithCancel(context.Background())

	fromBlock, err := m.checkpoints.LoadCheckpoint(startCtx, checkpointName)
	if err != nil {
		m.log.WithError(err).Warn("checkpoint load failed, streaming from genesis")
		fromBlock = 0
	}
	events, err := m.gateway.WatchEvents(ctx, fromBlock)
	if err != nil {
		cancel()
		return err
	}

	m.cancel = cancel
	m.running = true

	m.wg.Add(2)
	go m.eventLoop(ctx, events)
	go m.sweepLoop(ctx)

	m.log.WithField("from_block", fromBlock).Info("lifecycle monitor started")
	return nil
}

// Stop cancels both loops and waits for them to drain.
func (m *Monitor) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.cancel()
	m.wg.Wait()
	m.running = false
	m.log.Info("lifecycle monitor stopped")
	return nil
}

func (m *Monitor) eventLoop(ctx context.Context, events <-chan chain.Event) {
	defer m.wg.Done()
	for ev := range events {
		m.applyEvent(ctx, ev)
		if err := m.checkpoints.SaveCheckpoint(ctx, checkpointName, ev.BlockNumber); err != nil {
			m.log.WithError(err).Warn("checkpoint save failed")
		}
	}
}

// applyEvent maps one escrow event onto the stored task. Events for tasks
// this engine never created are ignored.
func (m *Monitor) applyEvent(ctx context.Context, ev chain.Event) {
	t, err := m.tasks.GetByHash(ctx, ev.TaskID)
	if err != nil {
		m.log.WithField("task_hash", ev.TaskID.Hex()).
			WithField("kind", string(ev.Kind)).
			Debug("event for unknown task ignored")
		return
	}

	log := m.log.WithField("task_id", t.ID).WithField("kind", string(ev.Kind))
	switch ev.Kind {
	case chain.EventTaskCreated:
		if t.Status != task.StatusPending {
			return
		}
		if _, err := m.tasks.UpdateStatus(ctx, t.ID, task.StatusCreated); err != nil {
			log.WithError(err).Warn("apply TaskCreated failed")
		}
	case chain.EventTaskCompleted:
		if task.IsTerminal(t.Status) {
			return
		}
		done, err := m.tasks.RecordCompletion(ctx, t.ID, ev.Result)
		if err != nil {
			log.WithError(err).Warn("apply TaskCompleted failed")
			return
		}
		m.notify(m.callbacks.OnTaskComplete, done)
	case chain.EventTaskRefunded:
		if task.IsTerminal(t.Status) {
			return
		}
		refunded, err := m.tasks.UpdateStatus(ctx, t.ID, task.StatusRefunded)
		if err != nil {
			log.WithError(err).Warn("apply TaskRefunded failed")
			return
		}
		m.notify(m.callbacks.OnTaskRefund, refunded)
	}
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep reclaims escrow for every funded task past its deadline. Each task
// is handled independently so one failure never blocks the rest; a failed
// refund attempt marks the task Failed.
func (m *Monitor) Sweep(ctx context.Context) {
	expired, err := m.tasks.GetExpiredTasks(ctx, time.Now().UTC())
	if err != nil {
		m.log.WithError(err).Warn("expiry sweep query failed")
		return
	}
	reclaimed := 0
	for _, t := range expired {
		if !task.CanRefund(t.Status) {
			continue
		}
		if m.reclaim(ctx, t) {
			reclaimed++
		}
	}
	metrics.RecordSweep(reclaimed)
}

func (m *Monitor) reclaim(ctx context.Context, t task.Task) bool {
	log := m.log.WithField("task_id", t.ID)
	if _, err := m.gateway.RefundAndSlash(ctx, task.HashID(t.ID)); err != nil {
		metrics.RecordRefund(false)
		log.WithError(err).Error("refund transaction failed")
		failed, uerr := m.tasks.UpdateStatus(ctx, t.ID, task.StatusFailed)
		if uerr != nil {
			log.WithError(uerr).Warn("mark failed after refund error")
			return false
		}
		m.notify(m.callbacks.OnTaskFail, failed)
		return false
	}
	metrics.RecordRefund(true)
	refunded, err := m.tasks.UpdateStatus(ctx, t.ID, task.StatusRefunded)
	if err != nil {
		// The refund event may have landed first; the task is already final.
		log.WithError(err).Debug("refund status already applied")
		return true
	}
	log.Info("expired task refunded and worker slashed")
	m.notify(m.callbacks.OnTaskRefund, refunded)
	return true
}

func (m *Monitor) notify(fn func(task.Task), t task.Task) {
	if fn != nil {
		fn(t)
	}
}
