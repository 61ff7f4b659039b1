package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/plan"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
	"github.com/econos-labs/master-engine/internal/app/domain/worker"
	"github.com/econos-labs/master-engine/internal/app/services/tasks"
)

// primaryInputField names the schema field a chained step's upstream output
// lands in.
var primaryInputField = map[string]string{
	task.TypeSummaryGeneration: "text",
	task.TypeImageGeneration:   "prompt",
	task.TypeResearcher:        "topic",
	task.TypeWriter:            "brief",
	task.TypeMarketResearch:    "market",
}

// Execute runs a plan step by step. Each step becomes its own escrowed task;
// the first failure aborts the pipeline and leaves reclamation to the
// expiry sweep. userInput feeds steps with a direct mapping.
func (o *Orchestrator) Execute(ctx context.Context, p plan.ExecutionPlan, userInput map[string]interface{}) (plan.PipelineExecutionResult, error) {
	out := plan.PipelineExecutionResult{
		PlanID:    p.PlanID,
		StartedAt: time.Now().UTC(),
	}
	resultsByStep := make(map[string]plan.StepResult, len(p.Steps))

	var lastResult interface{}
	for _, step := range p.Ordered() {
		stepRes, result, err := o.runStep(ctx, step, userInput, resultsByStep)
		resultsByStep[step.StepID] = stepRes
		out.Steps = append(out.Steps, stepRes)
		if err != nil {
			out.Success = false
			out.Error = err.Error()
			out.FinishedAt = time.Now().UTC()
			o.log.WithField("plan_id", p.PlanID).
				WithField("step_id", step.StepID).
				WithError(err).
				Warn("pipeline aborted")
			return out, err
		}
		lastResult = result
	}

	out.Success = true
	out.FinalResult = lastResult
	out.FinishedAt = time.Now().UTC()
	o.log.WithField("plan_id", p.PlanID).WithField("steps", len(out.Steps)).Info("pipeline completed")
	return out, nil
}

func (o *Orchestrator) runStep(ctx context.Context, step plan.Step, userInput map[string]interface{}, prior map[string]plan.StepResult) (plan.StepResult, interface{}, error) {
	res := plan.StepResult{StepID: step.StepID, Status: plan.StepFailed}

	input, err := resolveInput(step, userInput, prior)
	if err != nil {
		res.Error = err.Error()
		return res, nil, err
	}

	t, err := o.tasks.Create(ctx, tasks.CreateParams{
		Type:     step.ServiceType,
		Input:    input,
		Deadline: time.Now().UTC().Add(DefaultTaskValidity),
		Budget:   step.PriceWei,
	})
	if err != nil {
		res.Error = err.Error()
		return res, nil, err
	}
	res.TaskID = t.ID

	offer := worker.Offer{
		Address:  step.AssignedWorker,
		Endpoint: step.WorkerEndpoint,
	}
	final, result, err := o.drive(ctx, t.ID, offer, input)
	if err != nil {
		res.Error = err.Error()
		return res, nil, err
	}

	res.Status = plan.StepCompleted
	res.Result = result
	res.ResultHash = final.ResultHash.String()
	return res, result, nil
}

// resolveInput materializes a step's effective input parameters from its
// mapping and the results of prior steps.
func resolveInput(step plan.Step, userInput map[string]interface{}, prior map[string]plan.StepResult) (map[string]interface{}, error) {
	field, ok := primaryInputField[step.ServiceType]
	if !ok {
		return nil, fault.Errorf(fault.KindValidation, "no input field for service %q", step.ServiceType)
	}

	switch step.Input.Kind {
	case plan.MappingDirect:
		merged := make(map[string]interface{}, len(userInput)+len(step.Input.Literal))
		for k, v := range userInput {
			merged[k] = v
		}
		for k, v := range step.Input.Literal {
			merged[k] = v
		}
		if len(merged) == 0 {
			return nil, fault.Errorf(fault.KindValidation, "step %s has no direct input", step.StepID)
		}
		return merged, nil

	case plan.MappingFromPrevious:
		value, err := extract(step.Input.SourceStepID, step.Input.Field, prior)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{field: value}, nil

	case plan.MappingTransform:
		// The instruction frames the upstream output for the next worker.
		value, err := extract(step.Input.SourceStepID, step.Input.Field, prior)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{field: step.Input.Instruction + "\n\n" + value}, nil

	case plan.MappingMerge:
		parts := make([]string, 0, len(step.Input.Sources))
		for _, src := range step.Input.Sources {
			value, err := extract(src.StepID, src.Field, prior)
			if err != nil {
				return nil, err
			}
			parts = append(parts, value)
		}
		return map[string]interface{}{field: strings.Join(parts, "\n\n")}, nil
	}
	return nil, fault.Errorf(fault.KindValidation, "unknown mapping kind %q", step.Input.Kind)
}

// extract pulls a prior step's result, optionally selecting one field with a
// gjson path, and renders it as text for the downstream worker.
func extract(stepID, field string, prior map[string]plan.StepResult) (string, error) {
	res, ok := prior[stepID]
	if !ok || res.Status != plan.StepCompleted {
		return "", fault.Errorf(fault.KindProtocol, "step %s has no completed result", stepID)
	}
	raw, err := json.Marshal(res.Result)
	if err != nil {
		return "", err
	}
	if field == "" {
		return stringify(res.Result, raw), nil
	}
	got := gjson.GetBytes(raw, field)
	if !got.Exists() {
		return "", fault.Errorf(fault.KindProtocol, "field %q missing from step %s result", field, stepID)
	}
	return got.String(), nil
}

func stringify(value interface{}, raw []byte) string {
	if s, ok := value.(string); ok {
		return s
	}
	return string(raw)
}
