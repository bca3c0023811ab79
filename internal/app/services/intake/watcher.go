package intake

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
	"github.com/R3E-Network/fabblink/internal/app/metrics"
	"github.com/R3E-Network/fabblink/internal/app/system"
	"github.com/R3E-Network/fabblink/internal/chain"
	svcerrors "github.com/R3E-Network/fabblink/internal/errors"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

// TransferSource lists NEP-17 transfers received by an address.
type TransferSource interface {
	GetNEP17Transfers(ctx context.Context, addr string, sinceMs uint64) ([]chain.Transfer, error)
}

// ChainWatcher polls the chain for GAS sent to the hub address and feeds
// every transfer through the intake service.
type ChainWatcher struct {
	source   TransferSource
	intake   *Service
	cursor   Cursor
	token    string
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*ChainWatcher)(nil)

// NewChainWatcher builds a watcher for the intake service's hub address.
func NewChainWatcher(source TransferSource, svc *Service, cursor Cursor, log *logger.Logger) *ChainWatcher {
	if log == nil {
		log = logger.NewDefault("intake-watcher")
	}
	if cursor == nil {
		cursor = &MemoryCursor{}
	}
	return &ChainWatcher{
		source:   source,
		intake:   svc,
		cursor:   cursor,
		token:    chain.GASScriptHash,
		interval: 15 * time.Second,
		log:      log,
	}
}

// WithInterval overrides the polling interval.
func (w *ChainWatcher) WithInterval(d time.Duration) *ChainWatcher {
	if d > 0 {
		w.interval = d
	}
	return w
}

func (w *ChainWatcher) Name() string { return "intake-chain-watcher" }

func (w *ChainWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			if err := w.Poll(runCtx); err != nil && runCtx.Err() == nil {
				w.log.WithError(err).Warn("transfer poll failed")
			}
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	w.log.Infof("chain watcher started for %s", w.intake.Hub())
	return nil
}

func (w *ChainWatcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Poll processes every transfer since the cursor once. The cursor only
// advances past transfers that were handled; an infrastructure failure
// stops the pass so the transfer is retried on the next poll.
func (w *ChainWatcher) Poll(ctx context.Context) error {
	since, err := w.cursor.Load(ctx)
	if err != nil {
		return err
	}
	transfers, err := w.source.GetNEP17Transfers(ctx, w.intake.Hub(), since)
	if err != nil {
		return err
	}
	sort.SliceStable(transfers, func(i, j int) bool { return transfers[i].Timestamp < transfers[j].Timestamp })

	next := since
	for _, t := range transfers {
		outcome, err := w.handle(ctx, t)
		metrics.RecordIntake(outcome)
		if err != nil {
			if next != since {
				if saveErr := w.cursor.Save(ctx, next); saveErr != nil {
					w.log.WithError(saveErr).Warn("save intake cursor failed")
				}
			}
			return err
		}
		if t.Timestamp > next {
			next = t.Timestamp
		}
	}
	if next != since {
		return w.cursor.Save(ctx, next)
	}
	return nil
}

func (w *ChainWatcher) handle(ctx context.Context, t chain.Transfer) (string, error) {
	if !strings.EqualFold(t.AssetHash, w.token) || t.Counterparty == "" || t.Amount <= 0 {
		return "ignored", nil
	}
	_, err := w.intake.HandleTransfer(ctx, Notification{
		From:      t.Counterparty,
		To:        w.intake.Hub(),
		Amount:    asset.New(t.Amount),
		Reference: t.Reference(),
	})
	switch {
	case err == nil:
		w.log.Infof("credited %s from %s (%s)", asset.New(t.Amount), t.Counterparty, t.Reference())
		return "credited", nil
	case svcerrors.IsCode(err, svcerrors.CodeDuplicate):
		return "duplicate", nil
	case svcerrors.IsCode(err, svcerrors.CodeInvariantViolation):
		w.log.WithError(err).Warnf("transfer %s rejected", t.Reference())
		return "rejected", nil
	default:
		return "error", err
	}
}
