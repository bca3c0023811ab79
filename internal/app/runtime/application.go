// Package runtime turns a loaded configuration into a running hub: stores,
// settlement, event publishing, chain intake and the HTTP API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/fabblink/internal/app"
	"github.com/R3E-Network/fabblink/internal/app/events"
	"github.com/R3E-Network/fabblink/internal/app/httpapi"
	"github.com/R3E-Network/fabblink/internal/app/services/intake"
	"github.com/R3E-Network/fabblink/internal/app/settlement"
	"github.com/R3E-Network/fabblink/internal/app/storage"
	"github.com/R3E-Network/fabblink/internal/app/storage/memory"
	"github.com/R3E-Network/fabblink/internal/app/storage/postgres"
	"github.com/R3E-Network/fabblink/internal/chain"
	"github.com/R3E-Network/fabblink/internal/config"
	"github.com/R3E-Network/fabblink/internal/httputil"
	"github.com/R3E-Network/fabblink/internal/platform/migrations"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

// Application owns the hub and the HTTP server in front of it.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	hub        *app.Application
	api        *httpapi.API
	httpServer *http.Server
	closers    []io.Closer
}

// NewApplication wires every collaborator named by cfg. Nothing is started.
func NewApplication(cfg *config.Config, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration required")
	}
	if log == nil {
		log = logger.New(cfg.Logging)
	}
	a := &Application{cfg: cfg, log: log}

	store, err := a.buildStore()
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("configure store: %w", err)
	}

	var chainClient *chain.Client
	if cfg.Chain.RPCURL != "" {
		chainClient, err = chain.NewClient(chain.Config{RPCURL: cfg.Chain.RPCURL, NetworkID: cfg.Chain.NetworkID})
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("configure chain client: %w", err)
		}
	}

	settler, err := a.buildSettler(chainClient)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("configure settlement: %w", err)
	}

	opts := app.Options{
		Store:         store,
		Settler:       settler,
		HubAccount:    cfg.Chain.HubAccount,
		WatchInterval: cfg.Chain.WatchInterval,
		AuditSchedule: cfg.Reconcile.Schedule,
	}

	if cfg.NATS.URL != "" {
		pub, err := events.NewNATS(events.NATSConfig{
			URL:            cfg.NATS.URL,
			Name:           "fabblink",
			SubjectPrefix:  cfg.NATS.SubjectPrefix,
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  -1,
			ConnectTimeout: 5 * time.Second,
		}, log.Named("events"))
		if err != nil {
			a.closeAll()
			return nil, err
		}
		a.closers = append(a.closers, pub)
		opts.Publisher = pub
	}

	if cfg.Chain.Watch {
		opts.TransferSource = chainClient
		opts.Cursor = a.buildCursor()
	}

	hub, err := app.New(opts, log.Named("app"))
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.hub = hub

	api, err := httpapi.New(hub, httpapi.Config{
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		JWTIssuer:      cfg.Auth.Issuer,
		RateLimit:      cfg.Auth.RateLimit,
		RateBurst:      cfg.Auth.RateBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuditFile:      cfg.Server.AuditFile,
		AuditSize:      cfg.Server.AuditSize,
	}, log.Named("http"))
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("configure http api: %w", err)
	}
	a.api = api
	a.closers = append(a.closers, api)

	a.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a, nil
}

// Hub exposes the wired application.
func (a *Application) Hub() *app.Application { return a.hub }

// Handler exposes the HTTP handler.
func (a *Application) Handler() http.Handler { return a.api }

// Run starts background services and the HTTP server and blocks until ctx
// is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.cfg.Server.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server, then the background services, then
// closes connections.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.hub.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	a.closeAll()
	return errors.Join(errs...)
}

func (a *Application) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.WithError(err).Warn("error closing resource")
		}
	}
	a.closers = nil
}

func (a *Application) buildStore() (storage.Store, error) {
	if a.cfg.Database.Driver != "postgres" {
		a.log.Warn("using in-memory storage; state is lost on restart")
		return memory.New(), nil
	}

	if a.cfg.Database.MigrateOnStart {
		if err := migrations.Up(a.cfg.Database.DSN); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	db, err := openDatabase(a.cfg.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db)
	return postgres.New(db), nil
}

func openDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (a *Application) buildSettler(client *chain.Client) (settlement.Settler, error) {
	cfg := a.cfg.Settlement
	switch cfg.Mode {
	case config.SettlementHTTP:
		return settlement.NewHTTPSettler(httputil.NewServiceClient(httputil.ServiceClientConfig{
			BaseURL: cfg.URL,
			Token:   cfg.Token,
			Timeout: cfg.Timeout,
		}), cfg.Path), nil
	case config.SettlementNeo:
		if client == nil {
			return nil, errors.New("neo settlement needs a chain rpc url")
		}
		sender, err := chain.NewTransferSender(client, a.cfg.Chain.HubKey)
		if err != nil {
			return nil, err
		}
		return settlement.NewNeoSettler(sender, chain.GASScriptHash, a.log.Named("settlement"))
	default:
		a.log.Warn("using in-memory settlement; payouts are only recorded")
		return &settlement.Recorder{}, nil
	}
}

func (a *Application) buildCursor() intake.Cursor {
	if a.cfg.Redis.Addr == "" {
		a.log.Warn("no redis configured; intake cursor restarts from zero on restart")
		return &intake.MemoryCursor{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.closers = append(a.closers, client)
	return intake.NewRedisCursor(client, a.cfg.Redis.CursorKey)
}
