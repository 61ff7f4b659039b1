// Package task defines the canonical unit of remote compute and its
// authoritative status transition table.
package task

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Status enumerates the task lifecycle states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCreated    Status = "created"
	StatusAuthorized Status = "authorized"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusRefunded   Status = "refunded"
	StatusFailed     Status = "failed"
)

// Supported task types. Input schemas are keyed on these labels.
const (
	TypeImageGeneration   = "image-generation"
	TypeSummaryGeneration = "summary-generation"
	TypeResearcher        = "researcher"
	TypeWriter            = "writer"
	TypeMarketResearch    = "market-research"
)

// Authorization is the signed grant recorded on a task once issued.
type Authorization struct {
	Signature hexutil.Bytes `json:"signature"`
	Nonce     uint64        `json:"nonce"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Task is the canonical work record. The task manager exclusively owns
// mutation; everything else holds read-only snapshots.
type Task struct {
	ID                   string                 `json:"id"`
	Type                 string                 `json:"type"`
	InputParameters      map[string]interface{} `json:"input_parameters"`
	RequiredCapabilities []string               `json:"required_capabilities"`
	Deadline             time.Time              `json:"deadline"`
	Budget               *big.Int               `json:"budget"`
	Status               Status                 `json:"status"`
	AssignedWorker       common.Address         `json:"assigned_worker"`
	EscrowTxHash         common.Hash            `json:"escrow_tx_hash"`
	ResultHash           hexutil.Bytes          `json:"result_hash,omitempty"`
	Authorization        *Authorization         `json:"authorization,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// HashID returns the 32-byte on-chain identifier derived from the local task
// id. The escrow contract keys tasks on this value.
func HashID(id string) common.Hash {
	return crypto.Keccak256Hash([]byte(id))
}

// HashID returns the task's on-chain identifier.
func (t Task) HashID() common.Hash {
	return HashID(t.ID)
}

// HasWorker reports whether a worker has been assigned.
func (t Task) HasWorker() bool {
	return t.AssignedWorker != (common.Address{})
}

// HasEscrow reports whether the escrow deposit has been recorded.
func (t Task) HasEscrow() bool {
	return t.EscrowTxHash != (common.Hash{})
}

// Expired reports whether the deadline has passed at the given instant.
func (t Task) Expired(now time.Time) bool {
	return t.Deadline.Before(now)
}

// Clone returns a deep copy so store snapshots cannot alias caller state.
func (t Task) Clone() Task {
	out := t
	if t.Budget != nil {
		out.Budget = new(big.Int).Set(t.Budget)
	}
	if t.InputParameters != nil {
		params := make(map[string]interface{}, len(t.InputParameters))
		for k, v := range t.InputParameters {
			params[k] = v
		}
		out.InputParameters = params
	}
	out.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	out.ResultHash = append(hexutil.Bytes(nil), t.ResultHash...)
	if t.Authorization != nil {
		auth := *t.Authorization
		auth.Signature = append(hexutil.Bytes(nil), t.Authorization.Signature...)
		out.Authorization = &auth
	}
	return out
}

// KnownType reports whether the label belongs to the closed task type set.
func KnownType(taskType string) bool {
	switch taskType {
	case TypeImageGeneration, TypeSummaryGeneration, TypeResearcher, TypeWriter, TypeMarketResearch:
		return true
	}
	return false
}
