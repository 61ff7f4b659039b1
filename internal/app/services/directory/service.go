// Package directory resolves the worker eligible for a task: a filter
// pipeline over live offers followed by a configurable selection strategy.
package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
	"github.com/econos-labs/master-engine/internal/app/domain/worker"
	"github.com/econos-labs/master-engine/pkg/logger"
)

// Strategy names a worker selection policy.
type Strategy string

const (
	StrategyReputation Strategy = "reputation"
	StrategyCheapest   Strategy = "cheapest"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyDirect     Strategy = "direct"
	StrategyWeighted   Strategy = "weighted"
)

// Default weighted scoring coefficients.
const (
	DefaultWeightReputation = 0.7
	DefaultWeightPrice      = 0.3
)

// OfferSource provides the live offer set, usually the capability index.
type OfferSource interface {
	Offers() []worker.Offer
}

// ActivityChecker answers registry liveness queries, usually the chain
// gateway.
type ActivityChecker interface {
	IsWorkerActive(ctx context.Context, addr common.Address) (bool, error)
}

// Service filters and ranks candidate workers.
type Service struct {
	offers           OfferSource
	chain            ActivityChecker
	minReputation    int
	weightReputation float64
	weightPrice      float64
	log              *logger.Logger

	mu         sync.Mutex
	rrCounters map[string]int
}

// New builds a directory with the given reputation floor.
func New(offers OfferSource, chain ActivityChecker, minReputation int, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("worker-directory")
	}
	return &Service{
		offers:           offers,
		chain:            chain,
		minReputation:    minReputation,
		weightReputation: DefaultWeightReputation,
		weightPrice:      DefaultWeightPrice,
		log:              log,
		rrCounters:       make(map[string]int),
	}
}

// WithWeights overrides the weighted strategy coefficients.
func (s *Service) WithWeights(reputation, price float64) {
	s.weightReputation = reputation
	s.weightPrice = price
}

// SelectWorker applies the filter pipeline and then the strategy. It returns
// NoEligibleWorker when any filter empties the candidate set.
func (s *Service) SelectWorker(ctx context.Context, t task.Task, strategy Strategy, direct *common.Address) (worker.Offer, error) {
	survivors, err := s.filter(ctx, t)
	if err != nil {
		return worker.Offer{}, err
	}
	if len(survivors) == 0 {
		return worker.Offer{}, fault.ErrNoEligibleWorker
	}

	switch strategy {
	case StrategyReputation, "":
		return pickByReputation(survivors, t.Type), nil
	case StrategyCheapest:
		return pickCheapest(survivors, t.Type), nil
	case StrategyRoundRobin:
		return s.pickRoundRobin(survivors, t.Type), nil
	case StrategyDirect:
		if direct == nil {
			return worker.Offer{}, fault.New(fault.KindValidation, "direct strategy requires an address")
		}
		for _, offer := range survivors {
			if offer.Address == *direct {
				return offer, nil
			}
		}
		return worker.Offer{}, fault.ErrNoEligibleWorker
	case StrategyWeighted:
		return s.pickWeighted(survivors, t.Type), nil
	}
	return worker.Offer{}, fault.Errorf(fault.KindValidation, "unknown selection strategy %q", strategy)
}

// filter drops inactive, low-reputation, under-capable and over-budget
// offers, in that order.
func (s *Service) filter(ctx context.Context, t task.Task) ([]worker.Offer, error) {
	required := append([]string{t.Type}, t.RequiredCapabilities...)

	var survivors []worker.Offer
	for _, offer := range s.offers.Offers() {
		if s.chain != nil {
			active, err := s.chain.IsWorkerActive(ctx, offer.Address)
			if err != nil {
				return nil, fmt.Errorf("check worker %s activity: %w", offer.Address.Hex(), err)
			}
			if !active {
				continue
			}
		} else if !offer.IsActive {
			continue
		}
		if offer.Reputation < s.minReputation {
			continue
		}
		if !offer.Offers(required) {
			continue
		}
		price := offer.PriceFor(t.Type)
		if price == nil {
			continue
		}
		if t.Budget != nil && price.Cmp(t.Budget) > 0 {
			continue
		}
		survivors = append(survivors, offer)
	}
	return survivors, nil
}
