package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EscrowABI is the task escrow contract interface consumed by the gateway.
const EscrowABI = `[
  {"type":"event","name":"TaskCreated","inputs":[
    {"name":"taskId","type":"bytes32","indexed":true},
    {"name":"master","type":"address","indexed":false},
    {"name":"worker","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"TaskCompleted","inputs":[
    {"name":"taskId","type":"bytes32","indexed":true},
    {"name":"result","type":"bytes","indexed":false}]},
  {"type":"event","name":"TaskRefunded","inputs":[
    {"name":"taskId","type":"bytes32","indexed":true}]},
  {"type":"function","name":"tasks","stateMutability":"view","inputs":[
    {"name":"taskId","type":"bytes32"}],"outputs":[
    {"name":"master","type":"address"},
    {"name":"worker","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"deadline","type":"uint256"},
    {"name":"status","type":"uint8"}]},
  {"type":"function","name":"depositTask","stateMutability":"payable","inputs":[
    {"name":"taskId","type":"bytes32"},
    {"name":"worker","type":"address"},
    {"name":"duration","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"submitWork","stateMutability":"nonpayable","inputs":[
    {"name":"taskId","type":"bytes32"},
    {"name":"resultHash","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"refundAndSlash","stateMutability":"nonpayable","inputs":[
    {"name":"taskId","type":"bytes32"}],"outputs":[]}
]`

// RegistryABI is the worker registry contract interface.
const RegistryABI = `[
  {"type":"function","name":"isWorkerActive","stateMutability":"view","inputs":[
    {"name":"worker","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"slashReputation","stateMutability":"nonpayable","inputs":[
    {"name":"master","type":"address"},
    {"name":"worker","type":"address"}],"outputs":[]}
]`

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse contract ABI: %v", err))
	}
	return parsed
}

var (
	escrowABI   = mustParseABI(EscrowABI)
	registryABI = mustParseABI(RegistryABI)
)

// EventKind discriminates escrow lifecycle events.
type EventKind string

const (
	EventTaskCreated   EventKind = "task_created"
	EventTaskCompleted EventKind = "task_completed"
	EventTaskRefunded  EventKind = "task_refunded"
)

// Event is one decoded escrow log. BlockNumber and LogIndex preserve chain
// order for per-task delivery guarantees.
type Event struct {
	Kind        EventKind
	TaskID      common.Hash
	Master      common.Address
	Worker      common.Address
	Amount      *big.Int
	Result      []byte
	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
}

// parseEvent decodes an escrow log into an Event. Logs from other contracts
// or with unknown topics return (nil, nil).
func parseEvent(lg types.Log) (*Event, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}
	ev, err := escrowABI.EventByID(lg.Topics[0])
	if err != nil {
		return nil, nil
	}

	out := &Event{
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash,
	}
	if len(lg.Topics) > 1 {
		out.TaskID = lg.Topics[1]
	}

	switch ev.Name {
	case "TaskCreated":
		out.Kind = EventTaskCreated
		var data struct {
			Master common.Address
			Worker common.Address
			Amount *big.Int
		}
		if err := escrowABI.UnpackIntoInterface(&data, "TaskCreated", lg.Data); err != nil {
			return nil, fmt.Errorf("unpack TaskCreated: %w", err)
		}
		out.Master = data.Master
		out.Worker = data.Worker
		out.Amount = data.Amount
	case "TaskCompleted":
		out.Kind = EventTaskCompleted
		var data struct {
			Result []byte
		}
		if err := escrowABI.UnpackIntoInterface(&data, "TaskCompleted", lg.Data); err != nil {
			return nil, fmt.Errorf("unpack TaskCompleted: %w", err)
		}
		out.Result = data.Result
	case "TaskRefunded":
		out.Kind = EventTaskRefunded
	default:
		return nil, nil
	}
	return out, nil
}
