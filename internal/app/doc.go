// Package app composes the hub: it wires storage, the domain services and
// their background workers into one Application with a managed lifecycle.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Plain data: asset, participant, design, order, ledger, journal
//	├── storage/            # Store interfaces plus memory/ and postgres/
//	├── services/           # registry, catalog, ledger, orders, intake, reconcile
//	├── settlement/         # Settler implementations (recorder, HTTP, Neo N3)
//	├── events/             # Post-commit domain events (NATS)
//	├── httpapi/            # REST handlers
//	├── auth/               # Principal and Authorizer
//	├── system/             # Service lifecycle manager
//	└── metrics/            # Prometheus collectors
//
// # Dependency Direction
//
//	cmd/fabblink/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► services/ ──► storage/ ──► domain/
//	      │        │
//	      │        └──► settlement/, events/, auth/
//	      │
//	      └──► internal/chain (Neo RPC), internal/platform (migrations)
//
// Every state-changing operation runs inside storage.Transactor.WithinTx so
// it either commits completely or leaves the store untouched.
package app
