// Package plan models the decomposition of a user request into a
// topologically ordered set of worker invocations with typed input mappings.
package plan

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
)

// MappingKind discriminates the input mapping variants.
type MappingKind string

const (
	MappingDirect       MappingKind = "direct"
	MappingFromPrevious MappingKind = "from_previous"
	MappingTransform    MappingKind = "transform"
	MappingMerge        MappingKind = "merge"
)

// MergeSource names one upstream contribution to a merged input.
type MergeSource struct {
	StepID string `json:"step_id"`
	Field  string `json:"field,omitempty"`
}

// InputMapping describes how a step's effective input parameters are derived.
// Exactly the fields of the tagged kind are meaningful.
type InputMapping struct {
	Kind         MappingKind            `json:"kind"`
	Literal      map[string]interface{} `json:"literal,omitempty"`       // direct
	SourceStepID string                 `json:"source_step_id,omitempty"` // from_previous
	Field        string                 `json:"field,omitempty"`          // from_previous
	Instruction  string                 `json:"instruction,omitempty"`    // transform
	Sources      []MergeSource          `json:"sources,omitempty"`        // merge
}

// Validate checks that the mapping's fields match its kind.
func (m InputMapping) Validate() error {
	switch m.Kind {
	case MappingDirect:
		return nil
	case MappingFromPrevious:
		if m.SourceStepID == "" {
			return fault.New(fault.KindValidation, "from_previous mapping requires source_step_id")
		}
		return nil
	case MappingTransform:
		if m.Instruction == "" {
			return fault.New(fault.KindValidation, "transform mapping requires instruction")
		}
		if m.SourceStepID == "" {
			return fault.New(fault.KindValidation, "transform mapping requires source_step_id")
		}
		return nil
	case MappingMerge:
		if len(m.Sources) == 0 {
			return fault.New(fault.KindValidation, "merge mapping requires sources")
		}
		return nil
	default:
		return fault.Errorf(fault.KindValidation, "unknown mapping kind %q", m.Kind)
	}
}

// StepStatus tracks execution of one plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step binds a service type to a concrete worker offer within a plan.
type Step struct {
	StepID         string         `json:"step_id"`
	Order          int            `json:"order"`
	ServiceType    string         `json:"service_type"`
	Description    string         `json:"description,omitempty"`
	Input          InputMapping   `json:"input"`
	AssignedWorker common.Address `json:"assigned_worker"`
	WorkerEndpoint string         `json:"worker_endpoint,omitempty"`
	PriceWei       *big.Int       `json:"price_wei"`
	Status         StepStatus     `json:"status"`
}

// HasWorker reports whether the step is bound to a concrete worker.
func (s Step) HasWorker() bool {
	return s.AssignedWorker != (common.Address{})
}

// ExecutionPlan is a DAG expressed as topologically ordered steps.
type ExecutionPlan struct {
	PlanID          string    `json:"plan_id"`
	Steps           []Step    `json:"steps"`
	EstimatedBudget *big.Int  `json:"estimated_budget"`
	Reasoning       string    `json:"reasoning,omitempty"`
	Confidence      float64   `json:"confidence,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Ordered returns the steps sorted by their order field.
func (p ExecutionPlan) Ordered() []Step {
	steps := append([]Step(nil), p.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// CheckAcyclic rejects plans whose from_previous / merge references do not
// point strictly backwards in topological order.
func (p ExecutionPlan) CheckAcyclic() error {
	seen := make(map[string]bool, len(p.Steps))
	for _, step := range p.Ordered() {
		refs := referencedSteps(step.Input)
		for _, ref := range refs {
			if !seen[ref] {
				return fault.Errorf(fault.KindValidation,
					"step %s references %s which is not an earlier step", step.StepID, ref)
			}
		}
		seen[step.StepID] = true
	}
	return nil
}

func referencedSteps(m InputMapping) []string {
	switch m.Kind {
	case MappingFromPrevious, MappingTransform:
		return []string{m.SourceStepID}
	case MappingMerge:
		refs := make([]string, 0, len(m.Sources))
		for _, src := range m.Sources {
			refs = append(refs, src.StepID)
		}
		return refs
	}
	return nil
}

// StepResult captures one executed step's outcome.
type StepResult struct {
	StepID     string      `json:"step_id"`
	TaskID     string      `json:"task_id"`
	Status     StepStatus  `json:"status"`
	Result     interface{} `json:"result,omitempty"`
	ResultHash string      `json:"result_hash,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// PipelineExecutionResult aggregates the executed plan.
type PipelineExecutionResult struct {
	PlanID      string       `json:"plan_id"`
	Success     bool         `json:"success"`
	Steps       []StepResult `json:"steps"`
	FinalResult interface{}  `json:"final_result,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// StepByID finds a step in the plan.
func (p ExecutionPlan) StepByID(id string) (Step, error) {
	for _, step := range p.Steps {
		if step.StepID == id {
			return step, nil
		}
	}
	return Step{}, fmt.Errorf("step %s not in plan %s", id, p.PlanID)
}
