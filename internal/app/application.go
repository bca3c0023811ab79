package app

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/fabblink/internal/app/auth"
	"github.com/R3E-Network/fabblink/internal/app/events"
	"github.com/R3E-Network/fabblink/internal/app/services/catalog"
	"github.com/R3E-Network/fabblink/internal/app/services/intake"
	ledgersvc "github.com/R3E-Network/fabblink/internal/app/services/ledger"
	"github.com/R3E-Network/fabblink/internal/app/services/orders"
	"github.com/R3E-Network/fabblink/internal/app/services/reconcile"
	"github.com/R3E-Network/fabblink/internal/app/services/registry"
	"github.com/R3E-Network/fabblink/internal/app/settlement"
	"github.com/R3E-Network/fabblink/internal/app/storage"
	"github.com/R3E-Network/fabblink/internal/app/storage/memory"
	"github.com/R3E-Network/fabblink/internal/app/system"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

// AuditDisabled turns the scheduled reconciliation off.
const AuditDisabled = "off"

// Options carries the collaborators of the hub. Zero values select
// in-memory or development defaults.
type Options struct {
	// Store defaults to a fresh in-memory store.
	Store storage.Store
	// Settler defaults to an in-memory recorder, which pays nobody.
	Settler settlement.Settler
	// Authorizer defaults to matching the request principal.
	Authorizer auth.Authorizer
	// Publisher defaults to dropping events.
	Publisher events.Publisher

	// HubAccount is the account deposits are sent to.
	HubAccount string
	// TransferSource enables the chain watcher when set.
	TransferSource intake.TransferSource
	Cursor         intake.Cursor
	WatchInterval  time.Duration

	// AuditSchedule is a cron spec for reconciliation, or AuditDisabled.
	AuditSchedule string
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Registry  *registry.Service
	Catalog   *catalog.Service
	Ledger    *ledgersvc.Service
	Orders    *orders.Service
	Intake    *intake.Service
	Reconcile *reconcile.Auditor
}

// New builds a fully initialised application.
func New(opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if opts.Store == nil {
		log.Warn("no store configured; using in-memory storage")
		opts.Store = memory.New()
	}
	if opts.Settler == nil {
		log.Warn("no settler configured; payouts are only recorded in memory")
		opts.Settler = &settlement.Recorder{}
	}
	if opts.Authorizer == nil {
		opts.Authorizer = auth.ContextAuthorizer{}
	}

	manager := system.NewManager()

	registryService := registry.New(opts.Store, opts.Authorizer, log.Named("registry"))
	catalogService := catalog.New(opts.Store, opts.Authorizer, log.Named("catalog"))
	ledgerService := ledgersvc.New(opts.Store, log.Named("ledger"))
	orderService := orders.New(opts.Store, ledgerService, opts.Settler, opts.Authorizer, log.Named("orders"))
	intakeService := intake.New(ledgerService, opts.HubAccount, log.Named("intake"))
	if opts.Publisher != nil {
		ledgerService.AttachPublisher(opts.Publisher)
		orderService.AttachPublisher(opts.Publisher)
	}

	for _, name := range []string{"registry", "catalog", "ledger", "orders"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	var services []system.Service
	if opts.TransferSource != nil {
		if opts.HubAccount == "" {
			return nil, fmt.Errorf("chain watcher requires a hub account")
		}
		watcher := intake.NewChainWatcher(opts.TransferSource, intakeService, opts.Cursor, log.Named("intake-watcher")).
			WithInterval(opts.WatchInterval)
		services = append(services, watcher)
	} else {
		log.Warn("no transfer source configured; chain watcher disabled")
	}

	auditor := reconcile.New(opts.Store, opts.AuditSchedule, log.Named("reconcile")).WithResolver(orderService)
	if opts.AuditSchedule != AuditDisabled {
		services = append(services, auditor)
	}

	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:   manager,
		log:       log,
		Registry:  registryService,
		Catalog:   catalogService,
		Ledger:    ledgerService,
		Orders:    orderService,
		Intake:    intakeService,
		Reconcile: auditor,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Services lists the lifecycle-managed services.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
