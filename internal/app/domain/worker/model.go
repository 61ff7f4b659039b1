// Package worker holds the marketplace view of remote compute providers:
// advertised offers, manifests, and the aggregated capability summary.
package worker

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Offer is a worker's advertised ability to perform service types at given
// prices. Offers are pure snapshots; the directory may refresh them freely.
type Offer struct {
	Address      common.Address      `json:"address"`
	Endpoint     string              `json:"endpoint"`
	Reputation   int                 `json:"reputation"`
	Capabilities []string            `json:"capabilities"`
	Pricing      map[string]*big.Int `json:"pricing"`
	IsActive     bool                `json:"is_active"`
}

// PriceFor returns the advertised price for a service type, or nil when the
// worker does not offer it.
func (o Offer) PriceFor(serviceType string) *big.Int {
	price, ok := o.Pricing[serviceType]
	if !ok {
		return nil
	}
	return new(big.Int).Set(price)
}

// Offers returns whether the worker advertises every listed capability.
func (o Offer) Offers(capabilities []string) bool {
	for _, want := range capabilities {
		found := false
		for _, have := range o.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ManifestService is one service advertised in a worker manifest.
type ManifestService struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceWei    string `json:"priceWei"`
	Endpoint    string `json:"endpoint"`
	Version     string `json:"version"`
}

// Manifest is the document served by a worker sidecar at GET /manifest.
type Manifest struct {
	Worker struct {
		Address string `json:"address"`
		ChainID uint64 `json:"chainId"`
		RPCURL  string `json:"rpcUrl"`
	} `json:"worker"`
	Services []ManifestService `json:"services"`
	Protocol struct {
		PaymentHeader string `json:"paymentHeader"`
	} `json:"protocol"`
	Timestamp int64 `json:"timestamp"`
}

// Known is a configured worker the engine polls for manifests. Reputation is
// seeded from configuration and may be overridden by a reputation source.
type Known struct {
	Address    common.Address `json:"address"`
	Endpoint   string         `json:"endpoint"`
	Reputation int            `json:"reputation"`
}

// ServiceOffers aggregates every live offer for one service type.
type ServiceOffers struct {
	Offers   []Offer  `json:"offers"`
	Cheapest *big.Int `json:"cheapest"`
	MinPrice *big.Int `json:"min_price"`
	MaxPrice *big.Int `json:"max_price"`
}

// CapabilitySummary is the aggregated marketplace snapshot keyed by service
// type.
type CapabilitySummary struct {
	Services  map[string]ServiceOffers `json:"services"`
	Workers   int                      `json:"workers"`
	Timestamp time.Time                `json:"timestamp"`
}

// Available reports whether any worker currently offers the service type.
func (s CapabilitySummary) Available(serviceType string) bool {
	offers, ok := s.Services[serviceType]
	return ok && len(offers.Offers) > 0
}
