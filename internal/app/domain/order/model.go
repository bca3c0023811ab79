package order

import (
	"time"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
)

// MaxQuantity bounds the number of prints a single order may request.
const MaxQuantity = 1000

// State is derived from print progress and the settlement marker; settled
// and cancelled orders are deleted rather than stored.
type State string

const (
	StateOpen      State = "open"
	StateFulfilled State = "fulfilled"
	StateSettling  State = "settling"
)

// Order holds escrow for one print job, scoped by vendor.
type Order struct {
	Vendor            string
	ID                string
	Designer          string
	Consumer          string
	Fingerprint       string
	RequestedQuantity int
	PrintedQuantity   int
	VendorIncome      asset.Asset
	DesignerIncome    asset.Asset
	// Settling is set while a payout batch for the order is outstanding.
	// SettlementRef identifies that batch with the settler once known.
	Settling          bool
	SettlementRef     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// State reports whether the order is still printing or ready to settle.
func (o Order) State() State {
	if o.Settling {
		return StateSettling
	}
	if o.PrintedQuantity >= o.RequestedQuantity {
		return StateFulfilled
	}
	return StateOpen
}

// Escrow returns the total held against the order.
func (o Order) Escrow() (asset.Asset, error) {
	return o.VendorIncome.Add(o.DesignerIncome)
}

// Key identifies an order across vendors.
type Key struct {
	Vendor string
	ID     string
}

func (o Order) Key() Key { return Key{Vendor: o.Vendor, ID: o.ID} }
