package planner

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/plan"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
	"github.com/econos-labs/master-engine/internal/app/domain/worker"
)

var (
	workerA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	workerB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type staticResolver map[string]worker.Offer

func (r staticResolver) FindCheapest(serviceType string) (worker.Offer, bool) {
	offer, ok := r[serviceType]
	return offer, ok
}

func resolverFor(prices map[string]int64) staticResolver {
	out := make(staticResolver, len(prices))
	for serviceType, price := range prices {
		out[serviceType] = worker.Offer{
			Address:  workerA,
			Endpoint: "http://worker-a",
			Pricing:  map[string]*big.Int{serviceType: big.NewInt(price)},
			IsActive: true,
		}
	}
	return out
}

type failingAnalyzer struct{}

func (failingAnalyzer) Analyze(context.Context, string) (Analysis, error) {
	return Analysis{}, errors.New("analyzer offline")
}

func TestPlanBindsCheapestWorkers(t *testing.T) {
	resolver := resolverFor(map[string]int64{
		task.TypeResearcher: 300,
		task.TypeWriter:     700,
	})
	svc := New(NewKeywordAnalyzer(), resolver, nil)

	p, err := svc.Plan(context.Background(), "research the topic and then write an article", PlanOptions{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(p.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(p.Steps))
	}
	if p.EstimatedBudget.Int64() != 1000 {
		t.Fatalf("budget = %s, want 1000", p.EstimatedBudget)
	}
	ordered := p.Ordered()
	if ordered[0].Input.Kind != plan.MappingDirect {
		t.Fatalf("first step mapping = %s, want direct", ordered[0].Input.Kind)
	}
	if ordered[1].Input.Kind != plan.MappingFromPrevious || ordered[1].Input.SourceStepID != ordered[0].StepID {
		t.Fatalf("second step mapping = %#v", ordered[1].Input)
	}
	for _, step := range ordered {
		if !step.HasWorker() || step.Status != plan.StepPending {
			t.Fatalf("unbound step: %#v", step)
		}
	}
}

func TestPlanFailsWithoutOffer(t *testing.T) {
	svc := New(NewKeywordAnalyzer(), staticResolver{}, nil)
	_, err := svc.Plan(context.Background(), "summarize this", PlanOptions{})
	var noWorker *fault.NoWorkerForServiceError
	if !errors.As(err, &noWorker) {
		t.Fatalf("err = %v, want NoWorkerForServiceError", err)
	}
	if noWorker.ServiceType != task.TypeSummaryGeneration {
		t.Fatalf("service = %s", noWorker.ServiceType)
	}
}

func TestPlanEnforcesBudgetCeiling(t *testing.T) {
	resolver := resolverFor(map[string]int64{task.TypeSummaryGeneration: 5000})
	svc := New(NewKeywordAnalyzer(), resolver, nil, WithMaxBudget(big.NewInt(1000)))

	_, err := svc.Plan(context.Background(), "summarize this", PlanOptions{})
	var exceeded *fault.BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("err = %v, want BudgetExceededError", err)
	}
	if exceeded.Estimate.Int64() != 5000 || exceeded.Max.Int64() != 1000 {
		t.Fatalf("estimate %s max %s", exceeded.Estimate, exceeded.Max)
	}
}

func TestPlanFallsBackWhenPrimaryAnalyzerFails(t *testing.T) {
	resolver := resolverFor(map[string]int64{task.TypeSummaryGeneration: 100})
	svc := New(failingAnalyzer{}, resolver, nil)

	p, err := svc.Plan(context.Background(), "summarize this report", PlanOptions{})
	if err != nil {
		t.Fatalf("Plan with fallback: %v", err)
	}
	if len(p.Steps) != 1 || p.Steps[0].ServiceType != task.TypeSummaryGeneration {
		t.Fatalf("fallback plan: %#v", p.Steps)
	}
}

func TestPlanWithoutFallbackSurfacesAnalyzerError(t *testing.T) {
	resolver := resolverFor(map[string]int64{task.TypeSummaryGeneration: 100})
	svc := New(failingAnalyzer{}, resolver, nil, WithFallbackAnalyzer(nil))

	if _, err := svc.Plan(context.Background(), "summarize this", PlanOptions{}); err == nil {
		t.Fatal("analyzer failure swallowed")
	}
}

func TestValidate(t *testing.T) {
	svc := New(NewKeywordAnalyzer(), resolverFor(map[string]int64{task.TypeSummaryGeneration: 100}), nil)

	if err := svc.Validate(plan.ExecutionPlan{}); err == nil {
		t.Fatal("empty plan accepted")
	}

	unbound := plan.ExecutionPlan{Steps: []plan.Step{{
		StepID:      "s1",
		Order:       1,
		ServiceType: task.TypeSummaryGeneration,
		Input:       plan.InputMapping{Kind: plan.MappingDirect},
		PriceWei:    big.NewInt(100),
	}}}
	if err := svc.Validate(unbound); err == nil {
		t.Fatal("worker-less step accepted")
	}

	unpriced := plan.ExecutionPlan{Steps: []plan.Step{{
		StepID:         "s1",
		Order:          1,
		ServiceType:    task.TypeSummaryGeneration,
		Input:          plan.InputMapping{Kind: plan.MappingDirect},
		AssignedWorker: workerA,
	}}}
	if err := svc.Validate(unpriced); err == nil {
		t.Fatal("price-less step accepted")
	}

	good := plan.ExecutionPlan{Steps: []plan.Step{{
		StepID:         "s1",
		Order:          1,
		ServiceType:    task.TypeSummaryGeneration,
		Input:          plan.InputMapping{Kind: plan.MappingDirect},
		AssignedWorker: workerA,
		PriceWei:       big.NewInt(100),
	}}}
	if err := svc.Validate(good); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}
}

func TestValidateRejectsDarkService(t *testing.T) {
	// Structurally sound plan whose only service left the marketplace after
	// planning.
	bound := plan.ExecutionPlan{Steps: []plan.Step{{
		StepID:         "s1",
		Order:          1,
		ServiceType:    task.TypeSummaryGeneration,
		Input:          plan.InputMapping{Kind: plan.MappingDirect},
		AssignedWorker: workerA,
		PriceWei:       big.NewInt(100),
	}}}

	svc := New(NewKeywordAnalyzer(), staticResolver{}, nil)
	err := svc.Validate(bound)
	var noWorker *fault.NoWorkerForServiceError
	if !errors.As(err, &noWorker) {
		t.Fatalf("err = %v, want NoWorkerForServiceError", err)
	}
	if noWorker.ServiceType != task.TypeSummaryGeneration {
		t.Fatalf("service = %s", noWorker.ServiceType)
	}
}

func TestPlanHonorsPerRequestBudget(t *testing.T) {
	resolver := resolverFor(map[string]int64{task.TypeSummaryGeneration: 5000})
	svc := New(NewKeywordAnalyzer(), resolver, nil)

	// No ceiling configured: the request's own cap applies.
	_, err := svc.Plan(context.Background(), "summarize this", PlanOptions{MaxBudget: big.NewInt(1000)})
	var exceeded *fault.BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("err = %v, want BudgetExceededError", err)
	}
	if exceeded.Estimate.Int64() != 5000 || exceeded.Max.Int64() != 1000 {
		t.Fatalf("estimate %s max %s", exceeded.Estimate, exceeded.Max)
	}

	// A generous per-request cap overrides a tighter service-wide one.
	capped := New(NewKeywordAnalyzer(), resolver, nil, WithMaxBudget(big.NewInt(1000)))
	if _, err := capped.Plan(context.Background(), "summarize this", PlanOptions{MaxBudget: big.NewInt(10000)}); err != nil {
		t.Fatalf("per-request cap not honored: %v", err)
	}
}

func TestOptimizeRebindsOnlyCheaperOffers(t *testing.T) {
	resolver := staticResolver{
		task.TypeWriter: worker.Offer{
			Address:  workerB,
			Endpoint: "http://worker-b",
			Pricing:  map[string]*big.Int{task.TypeWriter: big.NewInt(400)},
			IsActive: true,
		},
		task.TypeResearcher: worker.Offer{
			Address:  workerB,
			Endpoint: "http://worker-b",
			Pricing:  map[string]*big.Int{task.TypeResearcher: big.NewInt(900)},
			IsActive: true,
		},
	}
	svc := New(NewKeywordAnalyzer(), resolver, nil)

	original := plan.ExecutionPlan{
		PlanID: "p1",
		Steps: []plan.Step{
			{StepID: "s1", Order: 1, ServiceType: task.TypeResearcher, AssignedWorker: workerA, WorkerEndpoint: "http://worker-a", PriceWei: big.NewInt(500), Input: plan.InputMapping{Kind: plan.MappingDirect}},
			{StepID: "s2", Order: 2, ServiceType: task.TypeWriter, AssignedWorker: workerA, WorkerEndpoint: "http://worker-a", PriceWei: big.NewInt(700), Input: plan.InputMapping{Kind: plan.MappingFromPrevious, SourceStepID: "s1"}},
		},
		EstimatedBudget: big.NewInt(1200),
	}

	optimized, err := svc.Optimize(original)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	// researcher stays: the live offer is more expensive
	if optimized.Steps[0].AssignedWorker != workerA || optimized.Steps[0].PriceWei.Int64() != 500 {
		t.Fatalf("researcher step rebound: %#v", optimized.Steps[0])
	}
	// writer rebinds to the cheaper live offer
	if optimized.Steps[1].AssignedWorker != workerB || optimized.Steps[1].PriceWei.Int64() != 400 {
		t.Fatalf("writer step not rebound: %#v", optimized.Steps[1])
	}
	if optimized.EstimatedBudget.Int64() != 900 {
		t.Fatalf("budget = %s, want 900", optimized.EstimatedBudget)
	}
	// the input plan is untouched
	if original.Steps[1].AssignedWorker != workerA {
		t.Fatal("Optimize mutated its input")
	}
}
