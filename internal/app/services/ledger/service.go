// Package ledger keeps consumer escrow balances. A balance record exists
// only while it is strictly positive, and every movement is journaled in
// the same transaction as the balance change.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
	"github.com/R3E-Network/fabblink/internal/app/domain/journal"
	domain "github.com/R3E-Network/fabblink/internal/app/domain/ledger"
	"github.com/R3E-Network/fabblink/internal/app/events"
	"github.com/R3E-Network/fabblink/internal/app/storage"
	svcerrors "github.com/R3E-Network/fabblink/internal/errors"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

// Movement is the business context journaled with a balance change.
type Movement struct {
	Reference string
	Vendor    string
	OrderID   string
}

// Service manages consumer balances.
type Service struct {
	store      storage.Store
	events     events.Publisher
	log        *logger.Logger
	minDeposit int64
}

// New constructs a ledger service.
func New(store storage.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, events: events.Noop{}, log: log, minDeposit: asset.MinReplenishment}
}

// AttachPublisher wires the event publisher used after deposits commit.
func (s *Service) AttachPublisher(pub events.Publisher) {
	if pub != nil {
		s.events = pub
	}
}

// DepositedEvent is published after a deposit commits.
type DepositedEvent struct {
	Consumer  string      `json:"consumer"`
	Amount    asset.Asset `json:"amount"`
	Balance   asset.Asset `json:"balance"`
	Reference string      `json:"reference"`
}

// Deposit credits an incoming transfer to consumer. A reference that was
// already deposited is rejected so replays cannot double-credit.
func (s *Service) Deposit(ctx context.Context, consumer string, amount asset.Asset, reference string) (domain.Balance, error) {
	if consumer == "" {
		return domain.Balance{}, svcerrors.Invariant("consumer is required")
	}
	if !amount.IsAccounting() {
		return domain.Balance{}, svcerrors.Invariant("only %s deposits are accepted, got %s", asset.Accounting.Code, amount.Symbol.Code)
	}
	if amount.Amount < s.minDeposit {
		return domain.Balance{}, svcerrors.Invariant("deposit %s is below the minimum of %s", amount, asset.New(s.minDeposit))
	}

	var balance domain.Balance
	err := s.store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		if _, err := s.Credit(ctx, tables, consumer, amount, journal.KindDeposit, Movement{Reference: reference}); err != nil {
			return err
		}
		var err error
		balance, err = tables.GetBalance(ctx, consumer)
		return err
	})
	if err != nil {
		return domain.Balance{}, err
	}

	s.log.With(map[string]interface{}{"consumer": consumer, "amount": amount.String(), "reference": reference}).Info("deposit credited")
	events.Emit(ctx, s.events, s.log, events.SubjectLedgerDeposited, DepositedEvent{
		Consumer: consumer, Amount: amount, Balance: balance.Available, Reference: reference,
	})
	return balance, nil
}

// Debit removes amount from consumer inside the caller's transaction and
// returns the remaining balance. A balance reaching exactly zero is deleted.
func (s *Service) Debit(ctx context.Context, tables storage.Tables, consumer string, amount asset.Asset, m Movement) (asset.Asset, error) {
	if amount.Amount <= 0 {
		return asset.Asset{}, svcerrors.Invariant("debit amount must be positive")
	}
	current, err := tables.GetBalance(ctx, consumer)
	if errors.Is(err, storage.ErrNotFound) {
		return asset.Asset{}, svcerrors.NotFound("consumer %s has no balance", consumer)
	}
	if err != nil {
		return asset.Asset{}, err
	}

	cmp, err := current.Available.Cmp(amount)
	if err != nil {
		return asset.Asset{}, svcerrors.Invariant("%v", err)
	}
	if cmp < 0 {
		return asset.Asset{}, svcerrors.InsufficientBalance("consumer %s has %s, needs %s", consumer, current.Available, amount)
	}

	remaining, err := current.Available.Sub(amount)
	if err != nil {
		return asset.Asset{}, svcerrors.Invariant("%v", err)
	}
	if remaining.IsZero() {
		err = tables.DeleteBalance(ctx, consumer)
	} else {
		_, err = tables.PutBalance(ctx, domain.Balance{Consumer: consumer, Available: remaining})
	}
	if err != nil {
		return asset.Asset{}, err
	}
	if err := s.journal(ctx, tables, journal.KindDebit, consumer, amount, remaining, m); err != nil {
		return asset.Asset{}, err
	}
	return remaining, nil
}

// Credit adds amount to consumer inside the caller's transaction, creating
// the balance if needed, and returns the new balance.
func (s *Service) Credit(ctx context.Context, tables storage.Tables, consumer string, amount asset.Asset, kind journal.Kind, m Movement) (asset.Asset, error) {
	if amount.Amount <= 0 {
		return asset.Asset{}, svcerrors.Invariant("credit amount must be positive")
	}
	current := asset.Zero()
	existing, err := tables.GetBalance(ctx, consumer)
	switch {
	case err == nil:
		current = existing.Available
	case !errors.Is(err, storage.ErrNotFound):
		return asset.Asset{}, err
	}

	next, err := current.Add(amount)
	if err != nil {
		return asset.Asset{}, svcerrors.Invariant("%v", err)
	}
	if _, err := tables.PutBalance(ctx, domain.Balance{Consumer: consumer, Available: next}); err != nil {
		return asset.Asset{}, err
	}
	if err := s.journal(ctx, tables, kind, consumer, amount, next, m); err != nil {
		return asset.Asset{}, err
	}
	return next, nil
}

// RecordPayout journals escrow released to a payee.
func (s *Service) RecordPayout(ctx context.Context, tables storage.Tables, payee string, amount asset.Asset, m Movement) error {
	return s.journal(ctx, tables, journal.KindPayout, payee, amount, asset.Zero(), m)
}

func (s *Service) journal(ctx context.Context, tables storage.Tables, kind journal.Kind, account string, amount, after asset.Asset, m Movement) error {
	_, err := tables.AppendEntry(ctx, journal.Entry{
		ID:           uuid.NewString(),
		Kind:         kind,
		Account:      account,
		Amount:       amount,
		BalanceAfter: after,
		Reference:    m.Reference,
		Vendor:       m.Vendor,
		OrderID:      m.OrderID,
	})
	if errors.Is(err, storage.ErrConflict) {
		return svcerrors.Duplicate("%s %s was already recorded", kind, m.Reference)
	}
	if err != nil {
		return fmt.Errorf("journal %s: %w", kind, err)
	}
	return nil
}

// Balance returns the consumer's available funds. A consumer without a
// record has a zero balance.
func (s *Service) Balance(ctx context.Context, consumer string) (domain.Balance, error) {
	b, err := s.store.GetBalance(ctx, consumer)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Balance{Consumer: consumer, Available: asset.Zero()}, nil
	}
	return b, err
}

// Journal returns the entries recorded against account, oldest first.
func (s *Service) Journal(ctx context.Context, account string) ([]journal.Entry, error) {
	if account == "" {
		return nil, svcerrors.Invariant("account is required")
	}
	return s.store.ListEntries(ctx, account)
}
