// Package settlement releases escrowed funds to designers and vendors.
//
// A Settler receives every payout of one order as a single batch under an
// idempotency key and either completes all of them or none. Settling the
// same key twice never pays twice. When a settler hands a batch off but
// cannot observe the outcome it returns ErrUnconfirmed, and the caller
// resolves the batch later through Status.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
)

// PayeeRole names why a payee is being paid.
type PayeeRole string

const (
	PayeeDesigner PayeeRole = "designer"
	PayeeVendor   PayeeRole = "vendor"
)

// Payout moves Amount out of escrow to Payee.
type Payout struct {
	Payee   string      `json:"payee"`
	Role    PayeeRole   `json:"role"`
	Amount  asset.Asset `json:"amount"`
	Vendor  string      `json:"vendor"`
	OrderID string      `json:"order_id"`
}

// ErrUnconfirmed means a batch may have been paid but the settler could
// not observe the outcome.
var ErrUnconfirmed = errors.New("settlement: payout outcome unconfirmed")

// Status is the outcome of a settled batch.
type Status string

const (
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// Key is the idempotency key of an order's payout batch. The placement time
// keeps a reused order id from colliding with a settled predecessor.
func Key(vendor, orderID string, placedAt time.Time) string {
	return fmt.Sprintf("%s/%s/%d", vendor, orderID, placedAt.UnixMicro())
}

// Settler executes payout batches.
type Settler interface {
	// Settle pays batch at most once per key and returns a reference for
	// Status. Errors wrapping ErrUnconfirmed may come with a reference;
	// every other error means nothing was paid.
	Settle(ctx context.Context, key string, batch []Payout) (string, error)
	// Status reports the outcome of the batch settled under key. ref is the
	// reference Settle returned, or empty when none was received.
	Status(ctx context.Context, key, ref string) (Status, error)
}

// Recorder is an in-memory settler. It can be told to fail batches, either
// before paying or after.
type Recorder struct {
	mu        sync.Mutex
	batches   [][]Payout
	settled   map[string]bool
	failErr   error
	failAfter error
}

// FailWith makes subsequent Settle calls return err until reset with nil.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failErr = err
}

// FailAfterPaying makes subsequent Settle calls pay and then return err,
// like a settler whose acknowledgement is lost. Reset with nil.
func (r *Recorder) FailAfterPaying(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAfter = err
}

func (r *Recorder) Settle(_ context.Context, key string, batch []Payout) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return "", r.failErr
	}
	if r.settled[key] {
		return key, nil
	}
	if r.settled == nil {
		r.settled = make(map[string]bool)
	}
	r.settled[key] = true
	r.batches = append(r.batches, append([]Payout(nil), batch...))
	if r.failAfter != nil {
		return key, r.failAfter
	}
	return key, nil
}

func (r *Recorder) Status(_ context.Context, key, _ string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled[key] {
		return StatusSettled, nil
	}
	return StatusFailed, nil
}

// Batches returns every batch settled so far.
func (r *Recorder) Batches() [][]Payout {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]Payout, len(r.batches))
	copy(out, r.batches)
	return out
}

// PaidTo sums everything settled to payee.
func (r *Recorder) PaidTo(payee string) asset.Asset {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := asset.Zero()
	for _, batch := range r.batches {
		for _, p := range batch {
			if p.Payee == payee {
				if next, err := total.Add(p.Amount); err == nil {
					total = next
				}
			}
		}
	}
	return total
}

func validate(batch []Payout) error {
	if len(batch) == 0 {
		return fmt.Errorf("empty payout batch")
	}
	for _, p := range batch {
		if p.Payee == "" {
			return fmt.Errorf("payout without payee")
		}
		if !p.Amount.IsAccounting() || p.Amount.Amount <= 0 {
			return fmt.Errorf("invalid payout amount %s to %s", p.Amount, p.Payee)
		}
	}
	return nil
}
