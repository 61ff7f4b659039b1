// Package app composes the master engine: it wires the chain gateway,
// authorizer, worker discovery, planning, orchestration, and the lifecycle
// monitor into one running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Main application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── fault/          # Classified errors shared across services
//	│   ├── task/           # Task model and lifecycle table
//	│   ├── worker/         # Worker offers, manifests, capability summaries
//	│   └── plan/           # Execution plans and input mappings
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # TaskStore, CheckpointStore
//	│   ├── memory/         # In-memory implementation for testing
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/           # Engine services (tasks, planner, orchestrator, ...)
//	├── httpapi/            # HTTP API handlers and routing
//	├── system/             # Lifecycle manager and service registry
//	└── metrics/            # Prometheus collectors
//
// # Responsibilities
//
// The app package is responsible for:
//
//   - Composing services from internal/app/services/ with their dependencies
//   - Defining the storage interfaces those services depend on
//   - Providing domain models shared across services
//   - Exposing the HTTP API for external access
//
// Business logic lives in the service packages; chain access lives in
// internal/chain; this package only wires them together.
package app
