package capability

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/econos-labs/master-engine/internal/app/system"
	"github.com/econos-labs/master-engine/pkg/logger"
)

var _ system.Service = (*Poller)(nil)

// Poller refreshes the capability index on a fixed interval. Manifest
// fetches are rate limited so a large worker set does not burst.
type Poller struct {
	index    *Index
	log      *logger.Logger
	interval time.Duration
	limiter  *rate.Limiter

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewPoller creates a lifecycle-managed manifest poller.
func NewPoller(index *Index, interval time.Duration, log *logger.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logger.NewDefault("capability-poller")
	}
	return &Poller{
		index:    index,
		log:      log,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(10), 10),
	}
}

func (p *Poller) Name() string { return "capability-poller" }

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweep(runCtx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.sweep(runCtx)
			}
		}
	}()

	p.log.WithField("interval", p.interval).Info("capability poller started")
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.log.Info("capability poller stopped")
	return nil
}

func (p *Poller) sweep(ctx context.Context) {
	for _, known := range p.index.Workers() {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		p.index.RefreshWorker(fetchCtx, known)
		cancel()
	}
}
