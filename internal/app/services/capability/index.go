// Package capability maintains the marketplace view of worker offers. The
// index caches each worker's manifest with a TTL; workers that stop answering
// simply age out of the cache.
package capability

import (
	"context"
	"math/big"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/econos-labs/master-engine/internal/app/domain/worker"
	"github.com/econos-labs/master-engine/pkg/logger"
)

// ManifestFetcher retrieves a worker's manifest document.
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, endpoint string) (worker.Manifest, error)
}

// ReputationSource optionally overrides configured reputations.
type ReputationSource interface {
	Reputation(ctx context.Context, address string) (int, bool)
}

// Index aggregates worker offers by service type.
type Index struct {
	fetcher    ManifestFetcher
	known      []worker.Known
	cache      *gocache.Cache
	ttl        time.Duration
	reputation ReputationSource
	log        *logger.Logger
}

// New builds an index over the configured worker set. Cached offers expire
// after ttl so stale workers drop out without explicit eviction.
func New(fetcher ManifestFetcher, known []worker.Known, ttl time.Duration, log *logger.Logger) *Index {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log == nil {
		log = logger.NewDefault("capability-index")
	}
	return &Index{
		fetcher: fetcher,
		known:   append([]worker.Known(nil), known...),
		cache:   gocache.New(ttl, ttl),
		ttl:     ttl,
		log:     log,
	}
}

// WithReputationSource attaches a live reputation override.
func (i *Index) WithReputationSource(src ReputationSource) {
	i.reputation = src
}

// Workers returns the configured worker set.
func (i *Index) Workers() []worker.Known {
	return append([]worker.Known(nil), i.known...)
}

// RefreshWorker polls one worker's manifest. Unreachable workers are dropped
// from the cache transparently.
func (i *Index) RefreshWorker(ctx context.Context, k worker.Known) {
	manifest, err := i.fetcher.FetchManifest(ctx, k.Endpoint)
	if err != nil {
		i.log.WithError(err).
			WithField("worker", k.Address.Hex()).
			Debugf("manifest fetch failed; dropping from cache")
		i.cache.Delete(k.Address.Hex())
		return
	}
	offer := i.buildOffer(ctx, k, manifest)
	i.cache.Set(k.Address.Hex(), offer, i.ttl)
}

// RefreshAll polls the whole worker set.
func (i *Index) RefreshAll(ctx context.Context) {
	for _, k := range i.known {
		if ctx.Err() != nil {
			return
		}
		i.RefreshWorker(ctx, k)
	}
}

func (i *Index) buildOffer(ctx context.Context, k worker.Known, manifest worker.Manifest) worker.Offer {
	reputation := k.Reputation
	if i.reputation != nil {
		if live, ok := i.reputation.Reputation(ctx, k.Address.Hex()); ok {
			reputation = live
		}
	}

	capabilities := make([]string, 0, len(manifest.Services))
	pricing := make(map[string]*big.Int, len(manifest.Services))
	for _, svc := range manifest.Services {
		price, ok := new(big.Int).SetString(svc.PriceWei, 10)
		if !ok {
			i.log.WithField("worker", k.Address.Hex()).
				WithField("service", svc.ID).
				Warn("manifest advertises unparseable price; skipping service")
			continue
		}
		capabilities = append(capabilities, svc.ID)
		pricing[svc.ID] = price
	}

	return worker.Offer{
		Address:      k.Address,
		Endpoint:     k.Endpoint,
		Reputation:   reputation,
		Capabilities: capabilities,
		Pricing:      pricing,
		IsActive:     true,
	}
}

// Offers returns every live cached offer.
func (i *Index) Offers() []worker.Offer {
	items := i.cache.Items()
	out := make([]worker.Offer, 0, len(items))
	for _, item := range items {
		if offer, ok := item.Object.(worker.Offer); ok {
			out = append(out, offer)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].Address.Hex() < out[b].Address.Hex()
	})
	return out
}

// Discover aggregates live offers into a capability summary with per-service
// price statistics.
func (i *Index) Discover() worker.CapabilitySummary {
	offers := i.Offers()
	services := make(map[string]worker.ServiceOffers)
	for _, offer := range offers {
		for _, serviceType := range offer.Capabilities {
			price := offer.PriceFor(serviceType)
			if price == nil {
				continue
			}
			agg := services[serviceType]
			agg.Offers = append(agg.Offers, offer)
			if agg.MinPrice == nil || price.Cmp(agg.MinPrice) < 0 {
				agg.MinPrice = price
				agg.Cheapest = price
			}
			if agg.MaxPrice == nil || price.Cmp(agg.MaxPrice) > 0 {
				agg.MaxPrice = price
			}
			services[serviceType] = agg
		}
	}
	return worker.CapabilitySummary{
		Services:  services,
		Workers:   len(offers),
		Timestamp: time.Now().UTC(),
	}
}

// FindCheapest returns the lowest priced live offer for a service type.
func (i *Index) FindCheapest(serviceType string) (worker.Offer, bool) {
	var (
		best      worker.Offer
		bestPrice *big.Int
	)
	for _, offer := range i.Offers() {
		price := offer.PriceFor(serviceType)
		if price == nil {
			continue
		}
		if bestPrice == nil || price.Cmp(bestPrice) < 0 {
			best = offer
			bestPrice = price
		}
	}
	return best, bestPrice != nil
}

// IsServiceAvailable reports whether any live worker offers the service type.
func (i *Index) IsServiceAvailable(serviceType string) bool {
	_, ok := i.FindCheapest(serviceType)
	return ok
}
