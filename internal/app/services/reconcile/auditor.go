// Package reconcile audits conservation of value across the ledger:
// everything ever deposited must be held in a balance, held in an open
// order or have been paid out. Scheduled runs also resolve orders whose
// settlement outcome was left unconfirmed.
package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
	"github.com/R3E-Network/fabblink/internal/app/metrics"
	"github.com/R3E-Network/fabblink/internal/app/storage"
	"github.com/R3E-Network/fabblink/internal/app/system"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

// DefaultSchedule runs the audit every five minutes.
const DefaultSchedule = "@every 5m"

// Report is the outcome of one audit.
type Report struct {
	Deposits asset.Asset `json:"deposits"`
	Balances asset.Asset `json:"balances"`
	Escrow   asset.Asset `json:"escrow"`
	Payouts  asset.Asset `json:"payouts"`
	// Drift is deposits minus everything accounted for; zero when balanced.
	Drift      int64 `json:"drift"`
	OpenOrders int   `json:"open_orders"`
	Settling   int   `json:"settling_orders"`
}

// Balanced reports whether no value was created or lost.
func (r Report) Balanced() bool { return r.Drift == 0 }

// PendingResolver finishes or releases orders left settling.
type PendingResolver interface {
	ResolvePending(ctx context.Context) (int, error)
}

// Auditor checks the conservation equation on a cron schedule.
type Auditor struct {
	store    storage.Store
	schedule string
	log      *logger.Logger
	resolver PendingResolver

	mu      sync.Mutex
	cron    *cron.Cron
	last    Report
	hasLast bool
}

var _ system.Service = (*Auditor)(nil)

// New builds an auditor. An empty schedule selects DefaultSchedule.
func New(store storage.Store, schedule string, log *logger.Logger) *Auditor {
	if log == nil {
		log = logger.NewDefault("reconcile")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Auditor{store: store, schedule: schedule, log: log}
}

// WithResolver makes every Run resolve pending settlements before the audit.
func (a *Auditor) WithResolver(r PendingResolver) *Auditor {
	a.resolver = r
	return a
}

func (a *Auditor) Name() string { return "reconcile-auditor" }

func (a *Auditor) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(a.schedule, func() {
		if _, err := a.Run(ctx); err != nil {
			a.log.WithError(err).Warn("reconciliation failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", a.schedule, err)
	}
	c.Start()
	a.cron = c
	a.log.Infof("reconciliation scheduled (%s)", a.schedule)
	return nil
}

func (a *Auditor) Stop(ctx context.Context) error {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run resolves pending settlements, then audits. A resolver failure is
// logged and does not stop the audit.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	if a.resolver != nil {
		resolved, err := a.resolver.ResolvePending(ctx)
		switch {
		case err != nil:
			a.log.WithError(err).Warn("resolving pending settlements failed")
		case resolved > 0:
			a.log.WithField("resolved", resolved).Info("pending settlements resolved")
		}
	}
	return a.Check(ctx)
}

// Check computes the conservation equation from a consistent view of the
// tables and journal, exports it as metrics and logs any drift.
func (a *Auditor) Check(ctx context.Context) (Report, error) {
	var report Report
	err := a.store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		totals, err := tables.JournalTotals(ctx)
		if err != nil {
			return err
		}
		report.Deposits = totals.Deposits
		report.Payouts = totals.Payouts

		balances, err := tables.ListBalances(ctx)
		if err != nil {
			return err
		}
		report.Balances = asset.Zero()
		for _, b := range balances {
			if report.Balances, err = report.Balances.Add(b.Available); err != nil {
				return err
			}
		}

		orders, err := tables.ListOrders(ctx, "")
		if err != nil {
			return err
		}
		report.OpenOrders = len(orders)
		report.Escrow = asset.Zero()
		for _, o := range orders {
			if o.Settling {
				report.Settling++
			}
			escrow, err := o.Escrow()
			if err != nil {
				return err
			}
			if report.Escrow, err = report.Escrow.Add(escrow); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	held, err := asset.Sum(report.Balances, report.Escrow, report.Payouts)
	if err != nil {
		return Report{}, err
	}
	report.Drift = report.Deposits.Amount - held.Amount
	metrics.SetHoldings(report.Balances.Amount, report.Escrow.Amount, report.Drift)

	entry := a.log.With(map[string]interface{}{
		"deposits": report.Deposits.String(),
		"balances": report.Balances.String(),
		"escrow":   report.Escrow.String(),
		"payouts":  report.Payouts.String(),
		"drift":    report.Drift,
		"settling": report.Settling,
	})
	if report.Balanced() {
		entry.Debug("ledger balanced")
	} else {
		entry.Error("ledger drift detected")
	}

	a.mu.Lock()
	a.last, a.hasLast = report, true
	a.mu.Unlock()
	return report, nil
}

// Last returns the most recent report, if any audit has run.
func (a *Auditor) Last() (Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.hasLast
}
