// Package fault defines the error taxonomy shared across the engine. Errors
// carry a kind so callers can react to the class of failure without matching
// on message text.
package fault

import (
	"errors"
	"fmt"
	"math/big"
)

// Kind classifies an error.
type Kind string

const (
	KindValidation Kind = "validation"
	KindResource   Kind = "resource"
	KindChain      Kind = "chain"
	KindProtocol   Kind = "protocol"
	KindWorker     Kind = "worker"
	KindTimeout    Kind = "timeout"
	KindInternal   Kind = "internal"
)

// Classified is implemented by every error in the taxonomy.
type Classified interface {
	error
	FaultKind() Kind
}

// Error is the generic classified error.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error   { return e.err }
func (e *Error) FaultKind() Kind { return e.kind }

// New builds a classified error with a static message.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and context to an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

// KindOf walks the error chain and returns the first classified kind, or
// KindInternal when nothing in the chain is classified.
func KindOf(err error) Kind {
	var classified Classified
	if errors.As(err, &classified) {
		return classified.FaultKind()
	}
	return KindInternal
}

// Sentinels for parameterless failures.
var (
	ErrNoEligibleWorker          = New(KindResource, "no eligible worker")
	ErrChainUnavailable          = New(KindChain, "chain unavailable")
	ErrInsufficientConfirmations = New(KindChain, "insufficient confirmations")
	ErrNonceReused               = New(KindProtocol, "nonce already used")
	ErrAuthorizationExpired      = New(KindProtocol, "authorization expired")
	ErrSignatureInvalid          = New(KindProtocol, "signature invalid")
	ErrManifestUnavailable       = New(KindWorker, "manifest unavailable")
	ErrResultFetchFailed         = New(KindWorker, "result fetch failed")
	ErrDeadlineExceeded          = New(KindTimeout, "deadline exceeded")
	ErrProofTimeout              = New(KindTimeout, "proof timeout")
	ErrPersistence               = New(KindInternal, "persistence error")
	ErrConfigMissing             = New(KindInternal, "configuration missing")
)

// NoWorkerForServiceError reports a plan step whose service type has no
// advertised offer.
type NoWorkerForServiceError struct {
	ServiceType string
}

func (e *NoWorkerForServiceError) Error() string {
	return fmt.Sprintf("no worker offers service %q", e.ServiceType)
}

func (e *NoWorkerForServiceError) FaultKind() Kind { return KindResource }

// BudgetExceededError reports a plan estimate above the caller's ceiling.
type BudgetExceededError struct {
	Estimate *big.Int
	Max      *big.Int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("estimated budget %s wei exceeds maximum %s wei", e.Estimate, e.Max)
}

func (e *BudgetExceededError) FaultKind() Kind { return KindResource }

// TxRevertedError reports an on-chain transaction that was mined but failed.
type TxRevertedError struct {
	Reason string
}

func (e *TxRevertedError) Error() string {
	if e.Reason == "" {
		return "transaction reverted"
	}
	return "transaction reverted: " + e.Reason
}

func (e *TxRevertedError) FaultKind() Kind { return KindChain }

// DispatchFailedError reports a worker that rejected an authorize call.
type DispatchFailedError struct {
	Status int
}

func (e *DispatchFailedError) Error() string {
	return fmt.Sprintf("worker dispatch failed with status %d", e.Status)
}

func (e *DispatchFailedError) FaultKind() Kind { return KindWorker }
