// Package intake turns incoming token transfers into consumer deposits.
package intake

import (
	"context"
	"strings"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
	domain "github.com/R3E-Network/fabblink/internal/app/domain/ledger"
	"github.com/R3E-Network/fabblink/internal/app/services/ledger"
	svcerrors "github.com/R3E-Network/fabblink/internal/errors"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

// Notification describes a transfer observed on the token contract.
type Notification struct {
	From      string      `json:"from"`
	To        string      `json:"to"`
	Amount    asset.Asset `json:"amount"`
	Memo      string      `json:"memo"`
	Reference string      `json:"reference"`
}

// Service credits transfers addressed to the hub.
type Service struct {
	ledger *ledger.Service
	hub    string
	log    *logger.Logger
}

// New constructs the intake service for the hub account.
func New(ledgerSvc *ledger.Service, hub string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("intake")
	}
	return &Service{ledger: ledgerSvc, hub: strings.TrimSpace(hub), log: log}
}

// Hub returns the account deposits must be sent to.
func (s *Service) Hub() string { return s.hub }

// HandleTransfer credits n.From with n.Amount. Transfers not addressed to
// the hub and transfers sent by the hub itself are rejected without any
// state change.
func (s *Service) HandleTransfer(ctx context.Context, n Notification) (domain.Balance, error) {
	if s.hub == "" {
		return domain.Balance{}, svcerrors.Internal("hub account is not configured", nil)
	}
	if n.To != s.hub {
		return domain.Balance{}, svcerrors.Invariant("transfer to %s is not addressed to the hub", n.To)
	}
	if n.From == s.hub {
		return domain.Balance{}, svcerrors.Invariant("outgoing hub transfer is not a deposit")
	}

	balance, err := s.ledger.Deposit(ctx, n.From, n.Amount, n.Reference)
	if err != nil {
		return domain.Balance{}, err
	}
	s.log.With(map[string]interface{}{"from": n.From, "amount": n.Amount.String(), "memo": n.Memo}).Debug("transfer accepted")
	return balance, nil
}
