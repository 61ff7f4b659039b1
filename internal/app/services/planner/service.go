package planner

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/plan"
	"github.com/econos-labs/master-engine/internal/app/domain/worker"
	"github.com/econos-labs/master-engine/pkg/logger"
)

// OfferResolver finds the cheapest live offer for a service type.
type OfferResolver interface {
	FindCheapest(serviceType string) (worker.Offer, bool)
}

// Service turns analyzed requests into priced, worker-bound execution plans.
type Service struct {
	analyzer Analyzer
	fallback Analyzer
	offers   OfferResolver
	log      *logger.Logger

	maxBudget *big.Int
}

type Option func(*Service)

// WithMaxBudget caps the estimated budget of any produced plan.
func WithMaxBudget(max *big.Int) Option {
	return func(s *Service) {
		if max != nil {
			s.maxBudget = new(big.Int).Set(max)
		}
	}
}

// WithFallbackAnalyzer sets the analyzer used when the primary one fails.
func WithFallbackAnalyzer(a Analyzer) Option {
	return func(s *Service) { s.fallback = a }
}

func New(analyzer Analyzer, offers OfferResolver, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("planner")
	}
	s := &Service{
		analyzer: analyzer,
		fallback: NewKeywordAnalyzer(),
		offers:   offers,
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlanOptions carries per-request planning constraints.
type PlanOptions struct {
	// MaxBudget caps this plan's estimated budget; it overrides the
	// service-wide ceiling when set.
	MaxBudget *big.Int
}

// budgetCap resolves the ceiling for one request.
func (s *Service) budgetCap(opts PlanOptions) *big.Int {
	if opts.MaxBudget != nil {
		return opts.MaxBudget
	}
	return s.maxBudget
}

// Plan analyzes the request and binds every step to the cheapest available
// worker. A service with no live offer fails the whole plan.
func (s *Service) Plan(ctx context.Context, request string, opts PlanOptions) (plan.ExecutionPlan, error) {
	analysis, err := s.analyzer.Analyze(ctx, request)
	if err != nil {
		if s.fallback == nil {
			return plan.ExecutionPlan{}, err
		}
		s.log.WithError(err).Warn("primary analyzer failed, using fallback")
		analysis, err = s.fallback.Analyze(ctx, request)
		if err != nil {
			return plan.ExecutionPlan{}, err
		}
	}

	steps := make([]plan.Step, 0, len(analysis.Steps))
	budget := new(big.Int)
	for i, as := range analysis.Steps {
		offer, ok := s.offers.FindCheapest(as.ServiceType)
		if !ok {
			return plan.ExecutionPlan{}, &fault.NoWorkerForServiceError{ServiceType: as.ServiceType}
		}
		price := offer.PriceFor(as.ServiceType)
		if price == nil {
			return plan.ExecutionPlan{}, &fault.NoWorkerForServiceError{ServiceType: as.ServiceType}
		}

		step := plan.Step{
			StepID:         uuid.NewString(),
			Order:          as.Order,
			ServiceType:    as.ServiceType,
			Description:    as.Description,
			AssignedWorker: offer.Address,
			WorkerEndpoint: offer.Endpoint,
			PriceWei:       new(big.Int).Set(price),
			Status:         plan.StepPending,
		}
		step.Input = mappingFor(as, steps, i)
		steps = append(steps, step)
		budget.Add(budget, price)
	}

	if ceiling := s.budgetCap(opts); ceiling != nil && budget.Cmp(ceiling) > 0 {
		return plan.ExecutionPlan{}, &fault.BudgetExceededError{
			Estimate: new(big.Int).Set(budget),
			Max:      new(big.Int).Set(ceiling),
		}
	}

	p := plan.ExecutionPlan{
		PlanID:          uuid.NewString(),
		Steps:           steps,
		EstimatedBudget: budget,
		Reasoning:       analysis.Reasoning,
		Confidence:      analysis.Confidence,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.Validate(p); err != nil {
		return plan.ExecutionPlan{}, err
	}
	s.log.WithField("plan_id", p.PlanID).
		WithField("steps", len(p.Steps)).
		WithField("budget_wei", budget.String()).
		Info("execution plan built")
	return p, nil
}

// mappingFor derives how a step receives its input.
func mappingFor(as AnalysisStep, prior []plan.Step, index int) plan.InputMapping {
	if index == 0 || as.InputSource == "user" {
		return plan.InputMapping{Kind: plan.MappingDirect}
	}
	return plan.InputMapping{
		Kind:         plan.MappingFromPrevious,
		SourceStepID: prior[index-1].StepID,
		Field:        as.InputField,
	}
}

// Validate checks plan structure and liveness: contiguous ordering, acyclic
// input references, bound workers, positive prices, and a live offer for
// every service type. A plan that was sound when built goes invalid the
// moment its service disappears from the marketplace.
func (s *Service) Validate(p plan.ExecutionPlan) error {
	if len(p.Steps) == 0 {
		return fault.Errorf(fault.KindValidation, "plan has no steps")
	}
	if err := p.CheckAcyclic(); err != nil {
		return err
	}
	for _, step := range p.Ordered() {
		if err := step.Input.Validate(); err != nil {
			return err
		}
		if !step.HasWorker() {
			return fault.Errorf(fault.KindValidation, "step %s has no assigned worker", step.StepID)
		}
		if step.PriceWei == nil || step.PriceWei.Sign() <= 0 {
			return fault.Errorf(fault.KindValidation, "step %s has no positive price", step.StepID)
		}
		if _, ok := s.offers.FindCheapest(step.ServiceType); !ok {
			return &fault.NoWorkerForServiceError{ServiceType: step.ServiceType}
		}
	}
	return nil
}

// Optimize re-resolves each step against current offers and recomputes the
// budget. Steps whose worker is still the cheapest are left untouched.
func (s *Service) Optimize(p plan.ExecutionPlan) (plan.ExecutionPlan, error) {
	out := p
	out.Steps = make([]plan.Step, len(p.Steps))
	copy(out.Steps, p.Steps)

	budget := new(big.Int)
	for i := range out.Steps {
		step := &out.Steps[i]
		offer, ok := s.offers.FindCheapest(step.ServiceType)
		if !ok {
			return plan.ExecutionPlan{}, &fault.NoWorkerForServiceError{ServiceType: step.ServiceType}
		}
		price := offer.PriceFor(step.ServiceType)
		if price == nil {
			return plan.ExecutionPlan{}, &fault.NoWorkerForServiceError{ServiceType: step.ServiceType}
		}
		if step.PriceWei == nil || price.Cmp(step.PriceWei) < 0 {
			step.AssignedWorker = offer.Address
			step.WorkerEndpoint = offer.Endpoint
			step.PriceWei = new(big.Int).Set(price)
		}
		budget.Add(budget, step.PriceWei)
	}
	out.EstimatedBudget = budget

	if s.maxBudget != nil && budget.Cmp(s.maxBudget) > 0 {
		return plan.ExecutionPlan{}, &fault.BudgetExceededError{
			Estimate: new(big.Int).Set(budget),
			Max:      new(big.Int).Set(s.maxBudget),
		}
	}
	return out, nil
}
