// Package orchestrator drives tasks and multi-step plans end to end:
// escrow deposit, signed authorization, worker dispatch, and completion.
package orchestrator

import (
	"context"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
	"github.com/econos-labs/master-engine/internal/app/domain/worker"
	"github.com/econos-labs/master-engine/internal/app/metrics"
	"github.com/econos-labs/master-engine/internal/app/services/authorizer"
	"github.com/econos-labs/master-engine/internal/app/services/directory"
	"github.com/econos-labs/master-engine/internal/app/services/tasks"
	"github.com/econos-labs/master-engine/internal/chain"
	"github.com/econos-labs/master-engine/internal/workerclient"
	"github.com/econos-labs/master-engine/pkg/logger"
)

const (
	// DefaultStatusPoll is how often a driven task's stored status is read
	// while awaiting completion.
	DefaultStatusPoll = 5 * time.Second

	// DefaultProofProbe is the base interval for probing the worker's proof
	// endpoint when no completion event has arrived. Each probe is jittered.
	DefaultProofProbe = 30 * time.Second

	// DefaultTaskValidity is the escrow lifetime hired tasks get when the
	// caller does not specify a deadline.
	DefaultTaskValidity = 2 * time.Hour
)

// TaskRegistry is the slice of the task service the orchestrator mutates.
type TaskRegistry interface {
	Create(ctx context.Context, p tasks.CreateParams) (task.Task, error)
	Get(ctx context.Context, id string) (task.Task, error)
	UpdateStatus(ctx context.Context, id string, to task.Status) (task.Task, error)
	AssignWorker(ctx context.Context, id string, addr common.Address) (task.Task, error)
	RecordEscrowDeposit(ctx context.Context, id string, txHash common.Hash) (task.Task, error)
	RecordAuthorization(ctx context.Context, id string, auth task.Authorization) (task.Task, error)
	RecordCompletion(ctx context.Context, id string, resultHash []byte) (task.Task, error)
}

// WorkerSelector picks a worker for a task.
type WorkerSelector interface {
	SelectWorker(ctx context.Context, t task.Task, strategy directory.Strategy, direct *common.Address) (worker.Offer, error)
}

// EscrowGateway is the chain surface needed to fund and inspect tasks.
type EscrowGateway interface {
	DepositTask(ctx context.Context, id common.Hash, w common.Address, duration uint64, amountWei *big.Int) (chain.Receipt, error)
	GetTask(ctx context.Context, id common.Hash) (*chain.OnChainTask, error)
}

// AuthorizationSigner issues signed task authorizations.
type AuthorizationSigner interface {
	CreateSignedAuthorization(taskID string, w common.Address, validity time.Duration) (authorizer.SignedAuthorization, error)
}

// WorkerAPI is the sidecar client surface used during dispatch.
type WorkerAPI interface {
	Authorize(ctx context.Context, endpoint, taskID string, params map[string]interface{}, sa authorizer.SignedAuthorization) error
	GetProof(ctx context.Context, endpoint, taskID string) (*workerclient.Proof, error)
	GetResult(ctx context.Context, endpoint, taskID string) (interface{}, error)
}

// Orchestrator executes single hires and multi-step plans.
type Orchestrator struct {
	tasks    TaskRegistry
	selector WorkerSelector
	gateway  EscrowGateway
	signer   AuthorizationSigner
	workers  WorkerAPI
	log      *logger.Logger

	authValidity time.Duration
	statusPoll   time.Duration
	proofProbe   time.Duration
}

type Option func(*Orchestrator)

// WithAuthValidity sets the default authorization lifetime. It is always
// clamped to the task deadline at issue time.
func WithAuthValidity(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.authValidity = d
		}
	}
}

// WithPollIntervals overrides the status poll and proof probe cadence.
func WithPollIntervals(status, proof time.Duration) Option {
	return func(o *Orchestrator) {
		if status > 0 {
			o.statusPoll = status
		}
		if proof > 0 {
			o.proofProbe = proof
		}
	}
}

func New(reg TaskRegistry, selector WorkerSelector, gateway EscrowGateway, signer AuthorizationSigner, workers WorkerAPI, log *logger.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = logger.NewDefault("orchestrator")
	}
	o := &Orchestrator{
		tasks:        reg,
		selector:     selector,
		gateway:      gateway,
		signer:       signer,
		workers:      workers,
		log:          log,
		authValidity: time.Hour,
		statusPoll:   DefaultStatusPoll,
		proofProbe:   DefaultProofProbe,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HireParams describes one single-task hire.
type HireParams struct {
	Create   tasks.CreateParams
	Strategy directory.Strategy
	// Direct pins the hire to one worker when Strategy is direct.
	Direct *common.Address
}

// Hire creates a task, selects a worker, funds escrow, and dispatches the
// authorization. It returns once the task reaches a terminal state or the
// context ends; escrow reclamation for failures is the sweeper's job.
func (o *Orchestrator) Hire(ctx context.Context, p HireParams) (task.Task, interface{}, error) {
	t, err := o.tasks.Create(ctx, p.Create)
	if err != nil {
		return task.Task{}, nil, err
	}
	return o.Run(ctx, t.ID, p.Strategy, p.Direct)
}

// Run drives an already-created task: worker selection, escrow, dispatch,
// and completion wait.
func (o *Orchestrator) Run(ctx context.Context, taskID string, strategy directory.Strategy, direct *common.Address) (task.Task, interface{}, error) {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return task.Task{}, nil, err
	}
	offer, err := o.selector.SelectWorker(ctx, t, strategy, direct)
	if err != nil {
		// No funds have moved; the task stays Pending so the hire can be
		// retried once the marketplace has an eligible worker.
		return task.Task{}, nil, err
	}
	return o.drive(ctx, t.ID, offer, t.InputParameters)
}

// drive funds, authorizes, dispatches, and awaits one created task.
func (o *Orchestrator) drive(ctx context.Context, taskID string, offer worker.Offer, params map[string]interface{}) (task.Task, interface{}, error) {
	log := o.log.WithField("task_id", taskID).WithField("worker", offer.Address.Hex())

	t, err := o.tasks.AssignWorker(ctx, taskID, offer.Address)
	if err != nil {
		return task.Task{}, nil, err
	}

	duration, err := escrowDuration(t.Deadline)
	if err != nil {
		o.fail(ctx, t.ID, err)
		return task.Task{}, nil, err
	}
	receipt, err := o.gateway.DepositTask(ctx, task.HashID(t.ID), offer.Address, duration, t.Budget)
	metrics.RecordDeposit(err == nil)
	if err != nil {
		o.fail(ctx, t.ID, err)
		return task.Task{}, nil, err
	}
	if _, err := o.tasks.RecordEscrowDeposit(ctx, t.ID, receipt.TxHash); err != nil {
		return task.Task{}, nil, err
	}
	// The deposit is confirmed; apply Created here so dispatch does not wait
	// on the event stream. The event handler skips tasks already advanced.
	if t, err = o.tasks.UpdateStatus(ctx, t.ID, task.StatusCreated); err != nil {
		return task.Task{}, nil, err
	}
	log.WithField("tx", receipt.TxHash.Hex()).Info("escrow funded")

	validity := o.authValidity
	if remaining := time.Until(t.Deadline); remaining < validity {
		validity = remaining
	}
	sa, err := o.signer.CreateSignedAuthorization(t.ID, offer.Address, validity)
	if err != nil {
		o.fail(ctx, t.ID, err)
		return task.Task{}, nil, err
	}
	auth := task.Authorization{
		Signature: append(hexutil.Bytes(nil), sa.Signature...),
		Nonce:     sa.Payload.Nonce,
		ExpiresAt: time.Unix(int64(sa.Payload.ExpiresAt), 0).UTC(),
	}
	if _, err := o.tasks.RecordAuthorization(ctx, t.ID, auth); err != nil {
		o.fail(ctx, t.ID, err)
		return task.Task{}, nil, err
	}

	if err := o.workers.Authorize(ctx, offer.Endpoint, t.ID, params, sa); err != nil {
		log.WithError(err).Error("worker dispatch failed")
		o.fail(ctx, t.ID, err)
		return task.Task{}, nil, err
	}
	if t, err = o.tasks.UpdateStatus(ctx, t.ID, task.StatusAuthorized); err != nil {
		return task.Task{}, nil, err
	}
	log.Info("worker authorized")

	return o.await(ctx, t, offer.Endpoint)
}

// await polls the stored status until the task is terminal, probing the
// worker's proof endpoint as a fallback when events are delayed. The wait is
// bounded by the task deadline; past it the sweeper owns the task.
func (o *Orchestrator) await(ctx context.Context, t task.Task, endpoint string) (task.Task, interface{}, error) {
	deadline := t.Deadline
	statusTicker := time.NewTicker(o.statusPoll)
	defer statusTicker.Stop()
	probeTimer := time.NewTimer(jitter(o.proofProbe))
	defer probeTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return task.Task{}, nil, ctx.Err()
		case <-statusTicker.C:
			cur, err := o.tasks.Get(ctx, t.ID)
			if err != nil {
				return task.Task{}, nil, err
			}
			if task.IsTerminal(cur.Status) {
				return o.finish(ctx, cur, endpoint)
			}
			if time.Now().After(deadline) {
				return cur, nil, fault.Wrap(fault.KindTimeout, fault.ErrDeadlineExceeded, "task "+t.ID)
			}
		case <-probeTimer.C:
			o.probeProof(ctx, t.ID, endpoint)
			probeTimer.Reset(jitter(o.proofProbe))
		}
	}
}

// probeProof checks the worker's proof endpoint and reconciles against the
// contract when a proof exists but no completion event has been applied.
func (o *Orchestrator) probeProof(ctx context.Context, taskID, endpoint string) {
	proof, err := o.workers.GetProof(ctx, endpoint, taskID)
	if err != nil || proof == nil {
		return
	}
	onchain, err := o.gateway.GetTask(ctx, task.HashID(taskID))
	if err != nil || onchain == nil {
		return
	}
	status, err := chain.LocalStatus(onchain.Status)
	if err != nil || status != task.StatusCompleted {
		return
	}
	if _, err := o.tasks.RecordCompletion(ctx, taskID, proof.ResultHash); err != nil {
		o.log.WithField("task_id", taskID).WithError(err).Debug("proof reconcile skipped")
	}
}

// finish fetches the worker result for completed tasks.
func (o *Orchestrator) finish(ctx context.Context, t task.Task, endpoint string) (task.Task, interface{}, error) {
	switch t.Status {
	case task.StatusCompleted:
		result, err := o.workers.GetResult(ctx, endpoint, t.ID)
		if err != nil {
			return t, nil, err
		}
		return t, result, nil
	case task.StatusRefunded:
		return t, nil, fault.Errorf(fault.KindTimeout, "task %s was refunded before completion", t.ID)
	default:
		return t, nil, fault.Errorf(fault.KindWorker, "task %s failed", t.ID)
	}
}

// fail moves a task to Failed, tolerating races with the event stream.
func (o *Orchestrator) fail(ctx context.Context, taskID string, cause error) {
	if _, err := o.tasks.UpdateStatus(ctx, taskID, task.StatusFailed); err != nil {
		o.log.WithField("task_id", taskID).WithError(err).Debug("failure status not applied")
		return
	}
	o.log.WithField("task_id", taskID).WithError(cause).Warn("task failed")
}

// escrowDuration converts a deadline into the contract's duration argument.
// A deadline closer than the contract minimum is rejected outright: rounding
// it up would put the on-chain deadline after the local one, and the sweeper
// would then try to refund an escrow the contract still considers live.
func escrowDuration(deadline time.Time) (uint64, error) {
	secs := int64(time.Until(deadline) / time.Second)
	if secs < chain.MinTaskDuration {
		return 0, fault.Errorf(fault.KindValidation,
			"deadline %s from now is under the %ds escrow minimum", time.Until(deadline).Round(time.Second), chain.MinTaskDuration)
	}
	if secs > chain.MaxTaskDuration {
		return chain.MaxTaskDuration, nil
	}
	return uint64(secs), nil
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return time.Second
	}
	// +-25% spreads probes so a fleet of masters does not align.
	delta := time.Duration(rand.Int63n(int64(base) / 2))
	return base*3/4 + delta
}
