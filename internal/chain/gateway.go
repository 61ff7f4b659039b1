// Package chain provides typed read/write access to the escrow and registry
// contracts over JSON-RPC, with confirmation tracking and a resumable event
// stream.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
	"github.com/econos-labs/master-engine/pkg/logger"
)

// Task duration accepted by the escrow contract, in seconds.
const (
	MinTaskDuration = 3600
	MaxTaskDuration = 604800
)

const (
	maxRetries     = 5
	retryBaseDelay = 200 * time.Millisecond
	receiptPoll    = 2 * time.Second
)

// Backend is the JSON-RPC surface the gateway needs. *ethclient.Client
// satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// OnChainTask mirrors the escrow contract's task record.
type OnChainTask struct {
	Master   common.Address
	Worker   common.Address
	Amount   *big.Int
	Deadline *big.Int
	Status   uint8
}

// Receipt summarizes a confirmed write.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Config carries gateway construction parameters.
type Config struct {
	Backend         Backend
	EscrowAddress   common.Address
	RegistryAddress common.Address
	PrivateKey      *ecdsa.PrivateKey
	ChainID         *big.Int
	Confirmations   uint64
}

// Gateway is the chain access layer. All writes are serialized through one
// wallet; reads retry transient RPC failures with exponential backoff.
type Gateway struct {
	backend       Backend
	escrow        common.Address
	registry      common.Address
	key           *ecdsa.PrivateKey
	master        common.Address
	chainID       *big.Int
	confirmations uint64
	log           *logger.Logger

	txMu sync.Mutex
}

// NewGateway validates the configuration and builds a gateway.
func NewGateway(cfg Config, log *logger.Logger) (*Gateway, error) {
	if cfg.Backend == nil {
		return nil, fault.Wrap(fault.KindInternal, fault.ErrConfigMissing, "chain backend")
	}
	if cfg.PrivateKey == nil {
		return nil, fault.Wrap(fault.KindInternal, fault.ErrConfigMissing, "master private key")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fault.Wrap(fault.KindInternal, fault.ErrConfigMissing, "chain id")
	}
	if log == nil {
		log = logger.NewDefault("chain-gateway")
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 2
	}
	return &Gateway{
		backend:       cfg.Backend,
		escrow:        cfg.EscrowAddress,
		registry:      cfg.RegistryAddress,
		key:           cfg.PrivateKey,
		master:        crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		chainID:       cfg.ChainID,
		confirmations: confirmations,
		log:           log,
	}, nil
}

// MasterAddress returns the writer wallet address.
func (g *Gateway) MasterAddress() common.Address { return g.master }

// LocalStatus maps the on-chain status byte to the local lifecycle. A
// disputed task (2) is terminal failed until a dispute subsystem exists.
func LocalStatus(onchain uint8) (task.Status, error) {
	switch onchain {
	case 0:
		return task.StatusCreated, nil
	case 1:
		return task.StatusCompleted, nil
	case 2:
		return task.StatusFailed, nil
	case 3:
		return task.StatusRefunded, nil
	}
	return "", fmt.Errorf("unknown on-chain status %d", onchain)
}

// GetTask reads the escrow record for a task hash. A record whose master is
// the zero address does not exist and returns nil.
func (g *Gateway) GetTask(ctx context.Context, id common.Hash) (*OnChainTask, error) {
	data, err := escrowABI.Pack("tasks", id)
	if err != nil {
		return nil, fmt.Errorf("pack tasks call: %w", err)
	}

	var raw []byte
	err = g.withRetry(ctx, "tasks", func() error {
		var callErr error
		raw, callErr = g.backend.CallContract(ctx, ethereum.CallMsg{To: &g.escrow, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	out, err := escrowABI.Unpack("tasks", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack tasks result: %w", err)
	}
	rec := &OnChainTask{
		Master:   out[0].(common.Address),
		Worker:   out[1].(common.Address),
		Amount:   out[2].(*big.Int),
		Deadline: out[3].(*big.Int),
		Status:   out[4].(uint8),
	}
	if rec.Master == (common.Address{}) {
		return nil, nil
	}
	return rec, nil
}

// IsWorkerActive queries the registry.
func (g *Gateway) IsWorkerActive(ctx context.Context, worker common.Address) (bool, error) {
	data, err := registryABI.Pack("isWorkerActive", worker)
	if err != nil {
		return false, fmt.Errorf("pack isWorkerActive call: %w", err)
	}

	var raw []byte
	err = g.withRetry(ctx, "isWorkerActive", func() error {
		var callErr error
		raw, callErr = g.backend.CallContract(ctx, ethereum.CallMsg{To: &g.registry, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return false, err
	}

	out, err := registryABI.Unpack("isWorkerActive", raw)
	if err != nil {
		return false, fmt.Errorf("unpack isWorkerActive result: %w", err)
	}
	return out[0].(bool), nil
}

// DepositTask escrows amountWei for a task. It fails fast when the escrow
// already holds a record for the id, validates the duration window, and
// returns only after the deposit transaction has the configured number of
// confirmations.
func (g *Gateway) DepositTask(ctx context.Context, id common.Hash, worker common.Address, duration uint64, amountWei *big.Int) (Receipt, error) {
	if duration < MinTaskDuration || duration > MaxTaskDuration {
		return Receipt{}, fault.Errorf(fault.KindValidation,
			"duration %ds outside [%d, %d]", duration, MinTaskDuration, MaxTaskDuration)
	}
	if amountWei == nil || amountWei.Sign() <= 0 {
		return Receipt{}, fault.New(fault.KindValidation, "deposit amount must be positive")
	}

	existing, err := g.GetTask(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if existing != nil {
		return Receipt{}, fault.Errorf(fault.KindValidation, "task %s already deposited", id.Hex())
	}

	data, err := escrowABI.Pack("depositTask", id, worker, new(big.Int).SetUint64(duration))
	if err != nil {
		return Receipt{}, fmt.Errorf("pack depositTask: %w", err)
	}

	txHash, err := g.transact(ctx, g.escrow, amountWei, data)
	if err != nil {
		return Receipt{}, err
	}
	g.log.WithField("task_hash", id.Hex()).
		WithField("tx", txHash.Hex()).
		Info("escrow deposit submitted")
	return g.waitConfirmed(ctx, txHash)
}

// RefundAndSlash reclaims an expired task's escrow and slashes the worker's
// reputation through the registry.
func (g *Gateway) RefundAndSlash(ctx context.Context, id common.Hash) (Receipt, error) {
	data, err := escrowABI.Pack("refundAndSlash", id)
	if err != nil {
		return Receipt{}, fmt.Errorf("pack refundAndSlash: %w", err)
	}
	txHash, err := g.transact(ctx, g.escrow, nil, data)
	if err != nil {
		return Receipt{}, err
	}
	g.log.WithField("task_hash", id.Hex()).
		WithField("tx", txHash.Hex()).
		Info("refund and slash submitted")
	return g.waitConfirmed(ctx, txHash)
}

// transact signs and sends one transaction from the master wallet. The mutex
// keeps wallet nonces strictly increasing across concurrent callers.
func (g *Gateway) transact(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	g.txMu.Lock()
	defer g.txMu.Unlock()

	nonce, err := g.backend.PendingNonceAt(ctx, g.master)
	if err != nil {
		return common.Hash{}, fault.Wrap(fault.KindChain, err, "fetch wallet nonce")
	}
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fault.Wrap(fault.KindChain, err, "suggest gas price")
	}
	msg := ethereum.CallMsg{From: g.master, To: &to, Value: value, Data: data}
	gasLimit, err := g.backend.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, fault.Wrap(fault.KindChain, err, "estimate gas")
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), g.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fault.Wrap(fault.KindChain, err, "send transaction")
	}
	return signed.Hash(), nil
}

// waitConfirmed polls for the receipt until it has the required number of
// confirmations, then checks the execution status.
func (g *Gateway) waitConfirmed(ctx context.Context, txHash common.Hash) (Receipt, error) {
	for {
		receipt, err := g.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			head, headErr := g.backend.BlockNumber(ctx)
			if headErr != nil {
				return Receipt{}, fault.Wrap(fault.KindChain, headErr, "fetch head block")
			}
			if confirmed(receipt.BlockNumber.Uint64(), head, g.confirmations) {
				if receipt.Status != types.ReceiptStatusSuccessful {
					return Receipt{}, &fault.TxRevertedError{Reason: "execution reverted"}
				}
				return Receipt{
					TxHash:      txHash,
					BlockNumber: receipt.BlockNumber.Uint64(),
					GasUsed:     receipt.GasUsed,
				}, nil
			}
		}

		select {
		case <-ctx.Done():
			return Receipt{}, fault.Wrap(fault.KindChain, fault.ErrInsufficientConfirmations, txHash.Hex())
		case <-time.After(receiptPoll):
		}
	}
}

// confirmed reports whether a transaction mined at minedAt has at least
// required confirmations when the head is at head. The mined block counts as
// the first confirmation.
func confirmed(minedAt, head, required uint64) bool {
	if head < minedAt {
		return false
	}
	return head-minedAt+1 >= required
}

// withRetry retries transient read failures with exponential backoff.
// Persistent failure surfaces as ChainUnavailable.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fault.Wrap(fault.KindChain, ctx.Err(), op)
			case <-time.After(delay):
			}
			delay *= 2
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		g.log.WithError(lastErr).
			WithField("op", op).
			WithField("attempt", attempt+1).
			Debugf("chain read retry")
	}
	return fault.Wrap(fault.KindChain, fault.ErrChainUnavailable, op+": "+lastErr.Error())
}
