package httpapi

import (
	"time"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
	"github.com/R3E-Network/fabblink/internal/app/domain/design"
	"github.com/R3E-Network/fabblink/internal/app/domain/journal"
	"github.com/R3E-Network/fabblink/internal/app/domain/ledger"
	"github.com/R3E-Network/fabblink/internal/app/domain/order"
	"github.com/R3E-Network/fabblink/internal/app/domain/participant"
)

type participantView struct {
	ID        string           `json:"id"`
	Role      participant.Role `json:"role"`
	CreatedAt time.Time        `json:"created_at"`
}

func toParticipant(p participant.Participant) participantView {
	return participantView{ID: p.ID, Role: p.Role, CreatedAt: p.CreatedAt}
}

type designView struct {
	Fingerprint string      `json:"fingerprint"`
	Designer    string      `json:"designer"`
	Price       asset.Asset `json:"price"`
	Fee         asset.Asset `json:"fee"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func toDesign(d design.Design) designView {
	return designView{
		Fingerprint: d.Fingerprint,
		Designer:    d.Designer,
		Price:       d.Price,
		Fee:         d.Fee,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

type orderView struct {
	Vendor            string      `json:"vendor"`
	OrderID           string      `json:"order_id"`
	Designer          string      `json:"designer"`
	Consumer          string      `json:"consumer"`
	Fingerprint       string      `json:"fingerprint"`
	RequestedQuantity int         `json:"requested_quantity"`
	PrintedQuantity   int         `json:"printed_quantity"`
	VendorIncome      asset.Asset `json:"vendor_income"`
	DesignerIncome    asset.Asset `json:"designer_income"`
	State             order.State `json:"state"`
	SettlementRef     string      `json:"settlement_ref,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

func toOrder(o order.Order) orderView {
	return orderView{
		Vendor:            o.Vendor,
		OrderID:           o.ID,
		Designer:          o.Designer,
		Consumer:          o.Consumer,
		Fingerprint:       o.Fingerprint,
		RequestedQuantity: o.RequestedQuantity,
		PrintedQuantity:   o.PrintedQuantity,
		VendorIncome:      o.VendorIncome,
		DesignerIncome:    o.DesignerIncome,
		State:             o.State(),
		SettlementRef:     o.SettlementRef,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

type balanceView struct {
	Consumer  string      `json:"consumer"`
	Available asset.Asset `json:"available"`
}

func toBalance(b ledger.Balance) balanceView {
	return balanceView{Consumer: b.Consumer, Available: b.Available}
}

type entryView struct {
	ID           string       `json:"id"`
	Kind         journal.Kind `json:"kind"`
	Account      string       `json:"account"`
	Amount       asset.Asset  `json:"amount"`
	BalanceAfter asset.Asset  `json:"balance_after"`
	Reference    string       `json:"reference,omitempty"`
	Vendor       string       `json:"vendor,omitempty"`
	OrderID      string       `json:"order_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

func toEntry(e journal.Entry) entryView {
	return entryView{
		ID:           e.ID,
		Kind:         e.Kind,
		Account:      e.Account,
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		Reference:    e.Reference,
		Vendor:       e.Vendor,
		OrderID:      e.OrderID,
		CreatedAt:    e.CreatedAt,
	}
}
