package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/econos-labs/master-engine/internal/app/domain/worker"
	"github.com/econos-labs/master-engine/internal/app/services/authorizer"
	"github.com/econos-labs/master-engine/internal/app/services/capability"
	"github.com/econos-labs/master-engine/internal/app/services/directory"
	"github.com/econos-labs/master-engine/internal/app/services/lifecycle"
	"github.com/econos-labs/master-engine/internal/app/services/orchestrator"
	"github.com/econos-labs/master-engine/internal/app/services/planner"
	"github.com/econos-labs/master-engine/internal/app/services/tasks"
	"github.com/econos-labs/master-engine/internal/app/storage"
	"github.com/econos-labs/master-engine/internal/app/storage/memory"
	"github.com/econos-labs/master-engine/internal/app/system"
	"github.com/econos-labs/master-engine/internal/chain"
	"github.com/econos-labs/master-engine/internal/config"
	"github.com/econos-labs/master-engine/internal/workerclient"
	"github.com/econos-labs/master-engine/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Tasks       storage.TaskStore
	Checkpoints storage.CheckpointStore
}

// Application ties the engine services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Gateway      *chain.Gateway
	Authorizer   *authorizer.Service
	Capabilities *capability.Index
	Directory    *directory.Service
	Tasks        *tasks.Service
	Planner      *planner.Service
	Orchestrator *orchestrator.Orchestrator
	Monitor      *lifecycle.Monitor
}

// New builds a fully initialised application. The chain backend is injected
// so tests can substitute a simulated one.
func New(cfg config.Config, stores Stores, backend chain.Backend, roster []worker.Known, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Tasks == nil {
		stores.Tasks = mem
	}
	if stores.Checkpoints == nil {
		stores.Checkpoints = mem
	}

	manager := system.NewManager()

	gateway, err := chain.NewGateway(chain.Config{
		Backend:         backend,
		EscrowAddress:   cfg.EscrowAddress,
		RegistryAddress: cfg.RegistryAddress,
		PrivateKey:      cfg.PrivateKey,
		ChainID:         cfg.ChainID,
		Confirmations:   cfg.Confirmations,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("build chain gateway: %w", err)
	}

	authService, err := authorizer.New(authorizer.Config{
		PrivateKey:        cfg.PrivateKey,
		ChainID:           cfg.ChainID.Int64(),
		VerifyingContract: cfg.EscrowAddress,
		DefaultValidity:   cfg.AuthValidity,
		NonceRetention:    cfg.NonceRetention,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("build authorizer: %w", err)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	workers := workerclient.New(httpClient, log)

	index := capability.New(workers, roster, cfg.CapabilityTTL, log)
	poller := capability.NewPoller(index, cfg.CapabilityTTL, log)
	dirService := directory.New(index, gateway, cfg.MinReputation, log)
	taskService := tasks.New(stores.Tasks, log)

	orch := orchestrator.New(taskService, dirService, gateway, authService, workers, log,
		orchestrator.WithAuthValidity(cfg.AuthValidity))

	var analyzer planner.Analyzer
	if cfg.AnalyzerURL != "" {
		analyzer = planner.NewHTTPAnalyzer(cfg.AnalyzerURL, log)
	} else {
		log.Warn("ANALYZER_URL not set; using keyword analysis only")
		analyzer = planner.NewKeywordAnalyzer()
	}
	planService := planner.New(analyzer, index, log)

	monitor := lifecycle.New(taskService, gateway, stores.Checkpoints, log,
		lifecycle.WithSweepInterval(cfg.SweepInterval))

	for _, name := range []string{"tasks", "directory", "planner"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	for _, svc := range []system.Service{poller, authorizer.NewJanitor(authService, log), monitor} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:      manager,
		log:          log,
		Gateway:      gateway,
		Authorizer:   authService,
		Capabilities: index,
		Directory:    dirService,
		Tasks:        taskService,
		Planner:      planService,
		Orchestrator: orch,
		Monitor:      monitor,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
