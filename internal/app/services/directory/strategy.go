package directory

import (
	"math/big"
	"sort"

	"github.com/econos-labs/master-engine/internal/app/domain/worker"
)

// pickByReputation picks the highest reputation; ties break toward the lower
// price for the service type, then the lexicographically smaller address.
func pickByReputation(offers []worker.Offer, serviceType string) worker.Offer {
	best := offers[0]
	for _, offer := range offers[1:] {
		if offer.Reputation > best.Reputation {
			best = offer
			continue
		}
		if offer.Reputation < best.Reputation {
			continue
		}
		cmp := cmpPrice(offer, best, serviceType)
		if cmp < 0 || (cmp == 0 && offer.Address.Hex() < best.Address.Hex()) {
			best = offer
		}
	}
	return best
}

// pickCheapest picks the lowest price for the service type; ties break toward
// the higher reputation.
func pickCheapest(offers []worker.Offer, serviceType string) worker.Offer {
	best := offers[0]
	bestPrice := best.PriceFor(serviceType)
	for _, offer := range offers[1:] {
		price := offer.PriceFor(serviceType)
		if price == nil {
			continue
		}
		switch {
		case bestPrice == nil || price.Cmp(bestPrice) < 0:
			best, bestPrice = offer, price
		case price.Cmp(bestPrice) == 0 && offer.Reputation > best.Reputation:
			best, bestPrice = offer, price
		}
	}
	return best
}

// pickRoundRobin rotates over the survivor set per group key. Counters are
// process-local; replicas do not coordinate.
func (s *Service) pickRoundRobin(offers []worker.Offer, groupKey string) worker.Offer {
	sorted := append([]worker.Offer(nil), offers...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Address.Hex() < sorted[j].Address.Hex()
	})

	s.mu.Lock()
	n := s.rrCounters[groupKey]
	s.rrCounters[groupKey] = n + 1
	s.mu.Unlock()

	return sorted[n%len(sorted)]
}

// pickWeighted scores survivors on normalized reputation and inverted
// normalized price, then picks the argmax; ties break toward the smaller
// address for determinism.
func (s *Service) pickWeighted(offers []worker.Offer, serviceType string) worker.Offer {
	minPrice, maxPrice := priceRange(offers, serviceType)

	best := offers[0]
	bestScore := s.score(best, serviceType, minPrice, maxPrice)
	for _, offer := range offers[1:] {
		score := s.score(offer, serviceType, minPrice, maxPrice)
		if score > bestScore || (score == bestScore && offer.Address.Hex() < best.Address.Hex()) {
			best, bestScore = offer, score
		}
	}
	return best
}

func (s *Service) score(offer worker.Offer, serviceType string, minPrice, maxPrice *big.Int) float64 {
	r := float64(offer.Reputation) / 100.0

	// A flat price range scores every survivor at the ceiling.
	p := 1.0
	if minPrice != nil && maxPrice != nil && minPrice.Cmp(maxPrice) != 0 {
		price := offer.PriceFor(serviceType)
		span := new(big.Float).SetInt(new(big.Int).Sub(maxPrice, minPrice))
		above := new(big.Float).SetInt(new(big.Int).Sub(maxPrice, price))
		ratio, _ := new(big.Float).Quo(above, span).Float64()
		p = ratio
	}
	return s.weightReputation*r + s.weightPrice*p
}

func priceRange(offers []worker.Offer, serviceType string) (*big.Int, *big.Int) {
	var minPrice, maxPrice *big.Int
	for _, offer := range offers {
		price := offer.PriceFor(serviceType)
		if price == nil {
			continue
		}
		if minPrice == nil || price.Cmp(minPrice) < 0 {
			minPrice = price
		}
		if maxPrice == nil || price.Cmp(maxPrice) > 0 {
			maxPrice = price
		}
	}
	return minPrice, maxPrice
}

// cmpPrice compares two offers by their price for the service type. Offers
// without a price sort last.
func cmpPrice(a, b worker.Offer, serviceType string) int {
	pa, pb := a.PriceFor(serviceType), b.PriceFor(serviceType)
	switch {
	case pa == nil && pb == nil:
		return 0
	case pa == nil:
		return 1
	case pb == nil:
		return -1
	}
	return pa.Cmp(pb)
}
