package authorizer

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/econos-labs/master-engine/internal/app/system"
	"github.com/econos-labs/master-engine/pkg/logger"
)

var _ system.Service = (*Janitor)(nil)

// Janitor reclaims nonce ledger entries older than the retention window on a
// fixed schedule.
type Janitor struct {
	service  *Service
	log      *logger.Logger
	schedule string
	cron     *cron.Cron
}

// NewJanitor creates a lifecycle-managed nonce pruner running hourly.
func NewJanitor(service *Service, log *logger.Logger) *Janitor {
	if log == nil {
		log = logger.NewDefault("authorizer-janitor")
	}
	return &Janitor{
		service:  service,
		log:      log,
		schedule: "@every 1h",
	}
}

func (j *Janitor) Name() string { return "authorizer-janitor" }

func (j *Janitor) Start(context.Context) error {
	if j.cron != nil {
		return nil
	}
	j.cron = cron.New()
	_, err := j.cron.AddFunc(j.schedule, func() {
		if pruned := j.service.PruneNoncesOlderThan(0); pruned > 0 {
			j.log.WithField("pruned", pruned).Info("nonce ledger pruned")
		}
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

func (j *Janitor) Stop(ctx context.Context) error {
	if j.cron == nil {
		return nil
	}
	stopped := j.cron.Stop()
	j.cron = nil
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
