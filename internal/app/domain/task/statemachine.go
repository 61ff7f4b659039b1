package task

import (
	"fmt"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
)

// transitions is the authoritative adjacency table. Absence means illegal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusCreated, StatusFailed},
	StatusCreated:    {StatusAuthorized, StatusRefunded, StatusFailed},
	StatusAuthorized: {StatusRunning, StatusRefunded, StatusFailed},
	StatusRunning:    {StatusCompleted, StatusRefunded, StatusFailed},
	StatusCompleted:  nil,
	StatusRefunded:   nil,
	StatusFailed:     nil,
}

// InvalidTransitionError rejects an illegal status move.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) FaultKind() fault.Kind { return fault.KindProtocol }

// ValidStatus reports whether the label is part of the lifecycle.
func ValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to, returning InvalidTransitionError when the
// move is not in the table.
func Transition(from, to Status) error {
	if !ValidStatus(from) || !ValidStatus(to) || !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// IsTerminal reports whether no further transitions exist.
func IsTerminal(s Status) bool {
	return ValidStatus(s) && len(transitions[s]) == 0
}

// IsActive reports whether the task may still progress.
func IsActive(s Status) bool {
	return ValidStatus(s) && !IsTerminal(s)
}

// CanRefund reports whether a refund transition is legal from s.
func CanRefund(s Status) bool {
	return CanTransition(s, StatusRefunded)
}

// CanComplete reports whether completion is legal from s. Only a running task
// completes.
func CanComplete(s Status) bool {
	return s == StatusRunning
}
