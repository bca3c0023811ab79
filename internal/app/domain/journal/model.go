package journal

import (
	"time"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindDeposit Kind = "deposit" // incoming transfer credited to a consumer
	KindDebit   Kind = "debit"   // consumer funds moved into order escrow
	KindRefund  Kind = "refund"  // escrow returned to the consumer
	KindPayout  Kind = "payout"  // escrow released to a designer or vendor
)

// Entry is an immutable record of one balance movement. Amount is always
// positive; Kind gives the direction. Payout entries name the payee in
// Account, every other kind names the consumer.
type Entry struct {
	ID           string
	Kind         Kind
	Account      string
	Amount       asset.Asset
	BalanceAfter asset.Asset
	Reference    string
	Vendor       string
	OrderID      string
	CreatedAt    time.Time
}

// Totals aggregates journal amounts by kind.
type Totals struct {
	Deposits asset.Asset
	Debits   asset.Asset
	Refunds  asset.Asset
	Payouts  asset.Asset
}
