// Package orders runs the print order state machine: placement escrows the
// consumer's funds, vendors report prints, and the consumer either cancels
// an untouched order for a refund or confirms a fulfilled one to release
// the escrow to the designer and vendor.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/fabblink/internal/app/auth"
	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
	"github.com/R3E-Network/fabblink/internal/app/domain/design"
	"github.com/R3E-Network/fabblink/internal/app/domain/journal"
	"github.com/R3E-Network/fabblink/internal/app/domain/order"
	"github.com/R3E-Network/fabblink/internal/app/domain/participant"
	"github.com/R3E-Network/fabblink/internal/app/events"
	"github.com/R3E-Network/fabblink/internal/app/metrics"
	"github.com/R3E-Network/fabblink/internal/app/services/ledger"
	"github.com/R3E-Network/fabblink/internal/app/settlement"
	"github.com/R3E-Network/fabblink/internal/app/storage"
	svcerrors "github.com/R3E-Network/fabblink/internal/errors"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

// Service manages print orders.
type Service struct {
	store   storage.Store
	ledger  *ledger.Service
	settler settlement.Settler
	authz   auth.Authorizer
	events  events.Publisher
	log     *logger.Logger
}

// New constructs an order service.
func New(store storage.Store, ledgerSvc *ledger.Service, settler settlement.Settler, authz auth.Authorizer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("orders")
	}
	if authz == nil {
		authz = auth.ContextAuthorizer{}
	}
	if ledgerSvc == nil {
		ledgerSvc = ledger.New(store, log)
	}
	return &Service{store: store, ledger: ledgerSvc, settler: settler, authz: authz, events: events.Noop{}, log: log}
}

// AttachPublisher wires the event publisher used after commits.
func (s *Service) AttachPublisher(pub events.Publisher) {
	if pub != nil {
		s.events = pub
	}
}

// PlaceRequest describes a new order.
type PlaceRequest struct {
	Consumer    string
	Vendor      string
	OrderID     string
	Fingerprint string
	Quantity    int
}

// Event is the payload published for order transitions.
type Event struct {
	Vendor         string      `json:"vendor"`
	OrderID        string      `json:"order_id"`
	Consumer       string      `json:"consumer"`
	Designer       string      `json:"designer"`
	Fingerprint    string      `json:"fingerprint"`
	Requested      int         `json:"requested_quantity"`
	Printed        int         `json:"printed_quantity"`
	VendorIncome   asset.Asset `json:"vendor_income"`
	DesignerIncome asset.Asset `json:"designer_income"`
}

func eventFor(o order.Order) Event {
	return Event{
		Vendor:         o.Vendor,
		OrderID:        o.ID,
		Consumer:       o.Consumer,
		Designer:       o.Designer,
		Fingerprint:    o.Fingerprint,
		Requested:      o.RequestedQuantity,
		Printed:        o.PrintedQuantity,
		VendorIncome:   o.VendorIncome,
		DesignerIncome: o.DesignerIncome,
	}
}

// Place debits the consumer and opens an order holding the vendor and
// designer income, priced from the design at this moment.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (_ order.Order, err error) {
	defer func() { s.observe("place", err) }()

	if err := s.authz.Require(ctx, req.Consumer); err != nil {
		return order.Order{}, err
	}
	if req.Quantity < 1 || req.Quantity > order.MaxQuantity {
		return order.Order{}, svcerrors.Invariant("quantity must be between 1 and %d, got %d", order.MaxQuantity, req.Quantity)
	}
	if req.Vendor == "" || req.OrderID == "" {
		return order.Order{}, svcerrors.Invariant("vendor and order id are required")
	}

	var placed order.Order
	err = s.store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		if _, err := tables.GetOrder(ctx, req.Vendor, req.OrderID); err == nil {
			return svcerrors.Duplicate("order %s already exists for vendor %s", req.OrderID, req.Vendor)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		balance, err := tables.GetBalance(ctx, req.Consumer)
		if errors.Is(err, storage.ErrNotFound) {
			return svcerrors.NotFound("consumer %s has no balance", req.Consumer)
		}
		if err != nil {
			return err
		}

		d, err := s.lookupDesign(ctx, tables, req.Fingerprint)
		if err != nil {
			return err
		}

		vendorIncome, err := d.Price.Mul(int64(req.Quantity))
		if err != nil {
			return svcerrors.Invariant("vendor income: %v", err)
		}
		designerIncome, err := d.Fee.Mul(int64(req.Quantity))
		if err != nil {
			return svcerrors.Invariant("designer income: %v", err)
		}
		total, err := vendorIncome.Add(designerIncome)
		if err != nil {
			return svcerrors.Invariant("order total: %v", err)
		}
		cmp, err := total.Cmp(balance.Available)
		if err != nil {
			return svcerrors.Invariant("%v", err)
		}
		if cmp > 0 {
			return svcerrors.InsufficientBalance("order costs %s but consumer %s has %s", total, req.Consumer, balance.Available)
		}

		if _, err := tables.GetParticipant(ctx, participant.RoleVendor, req.Vendor); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return svcerrors.NotFound("vendor %s is not registered", req.Vendor)
			}
			return err
		}
		if _, err := tables.GetParticipant(ctx, participant.RoleDesigner, d.Designer); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return svcerrors.NotFound("designer %s is not registered", d.Designer)
			}
			return err
		}

		placed, err = tables.CreateOrder(ctx, order.Order{
			Vendor:            req.Vendor,
			ID:                req.OrderID,
			Designer:          d.Designer,
			Consumer:          req.Consumer,
			Fingerprint:       d.Fingerprint,
			RequestedQuantity: req.Quantity,
			VendorIncome:      vendorIncome,
			DesignerIncome:    designerIncome,
		})
		if errors.Is(err, storage.ErrConflict) {
			return svcerrors.Duplicate("order %s already exists for vendor %s", req.OrderID, req.Vendor)
		}
		if err != nil {
			return err
		}

		_, err = s.ledger.Debit(ctx, tables, req.Consumer, total, ledger.Movement{Vendor: req.Vendor, OrderID: req.OrderID})
		return err
	})
	if err != nil {
		return order.Order{}, err
	}

	s.log.With(map[string]interface{}{
		"vendor": placed.Vendor, "order_id": placed.ID, "consumer": placed.Consumer,
		"quantity": placed.RequestedQuantity, "vendor_income": placed.VendorIncome.String(),
		"designer_income": placed.DesignerIncome.String(),
	}).Info("order placed")
	events.Emit(ctx, s.events, s.log, events.SubjectOrderPlaced, eventFor(placed))
	return placed, nil
}

func (s *Service) lookupDesign(ctx context.Context, tables storage.Tables, fingerprint string) (design.Design, error) {
	fp, err := design.NormalizeFingerprint(fingerprint)
	if err != nil {
		return design.Design{}, svcerrors.NotFound("design %s not found", fingerprint)
	}
	d, err := tables.GetDesignByFingerprint(ctx, fp)
	if errors.Is(err, storage.ErrNotFound) {
		return design.Design{}, svcerrors.NotFound("design %s not found", fp)
	}
	return d, err
}

// Print records one more printed unit. Only the order's vendor may print.
func (s *Service) Print(ctx context.Context, vendor, orderID string) (_ order.Order, err error) {
	defer func() { s.observe("print", err) }()

	if err := s.authz.Require(ctx, vendor); err != nil {
		return order.Order{}, err
	}

	var updated order.Order
	err = s.store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		o, err := s.getOrder(ctx, tables, vendor, orderID)
		if err != nil {
			return err
		}
		if o.PrintedQuantity >= o.RequestedQuantity {
			return svcerrors.Invariant("no more designs to print for order %s", orderID)
		}
		o.PrintedQuantity++
		updated, err = tables.UpdateOrder(ctx, o)
		return err
	})
	if err != nil {
		return order.Order{}, err
	}

	s.log.With(map[string]interface{}{
		"vendor": vendor, "order_id": orderID, "printed": updated.PrintedQuantity, "requested": updated.RequestedQuantity,
	}).Info("order printed")
	events.Emit(ctx, s.events, s.log, events.SubjectOrderPrinted, eventFor(updated))
	return updated, nil
}

// Cancel refunds the full escrow of an order nothing was printed for and
// removes it. It returns the cancelled order.
func (s *Service) Cancel(ctx context.Context, consumer, vendor, orderID string) (_ order.Order, err error) {
	defer func() { s.observe("cancel", err) }()

	var cancelled order.Order
	err = s.store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		o, err := s.getOrder(ctx, tables, vendor, orderID)
		if err != nil {
			return err
		}
		if o.PrintedQuantity > 0 {
			return svcerrors.Invariant("order %s can't be cancelled after printing started", orderID)
		}
		if err := s.requireConsumer(ctx, consumer, o); err != nil {
			return err
		}

		escrow, err := o.Escrow()
		if err != nil {
			return svcerrors.Invariant("order escrow: %v", err)
		}
		if _, err := s.ledger.Credit(ctx, tables, o.Consumer, escrow, journal.KindRefund, ledger.Movement{Vendor: vendor, OrderID: orderID}); err != nil {
			return err
		}
		if err := tables.DeleteOrder(ctx, vendor, orderID); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return order.Order{}, err
	}

	s.log.With(map[string]interface{}{"vendor": vendor, "order_id": orderID, "consumer": consumer}).Info("order cancelled")
	events.Emit(ctx, s.events, s.log, events.SubjectOrderCancelled, eventFor(cancelled))
	return cancelled, nil
}

// Confirm settles a fulfilled order: the designer income and then the
// vendor income are paid out as one settlement batch and the order is
// removed.
//
// The order is first marked settling in its own transaction, so a second
// confirm cannot start another batch while one is outstanding. The batch
// key is derived from the order, which makes a retried confirm pay at most
// once. If the settler reports that nothing was paid the mark is cleared
// and the order is back where it was. If the outcome is unknown the order
// stays settling until ResolvePending learns what happened.
func (s *Service) Confirm(ctx context.Context, consumer, vendor, orderID string) (_ order.Order, err error) {
	defer func() { s.observe("confirm", err) }()

	if s.settler == nil {
		return order.Order{}, svcerrors.SettlementFailed(nil, "no settler configured")
	}

	var claimed order.Order
	err = s.store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		o, err := s.getOrder(ctx, tables, vendor, orderID)
		if err != nil {
			return err
		}
		if o.PrintedQuantity != o.RequestedQuantity {
			return svcerrors.Invariant("order %s is not fulfilled: printed %d of %d", orderID, o.PrintedQuantity, o.RequestedQuantity)
		}
		if err := s.requireConsumer(ctx, consumer, o); err != nil {
			return err
		}
		if o.Settling {
			return svcerrors.Invariant("settlement of order %s is already in progress", orderID)
		}
		o.Settling = true
		o.SettlementRef = ""
		claimed, err = tables.UpdateOrder(ctx, o)
		return err
	})
	if err != nil {
		return order.Order{}, err
	}

	// The payout may leave the process; what follows must run to the end.
	ctx = context.WithoutCancel(ctx)
	key := settlement.Key(claimed.Vendor, claimed.ID, claimed.CreatedAt)
	start := time.Now()
	ref, settleErr := s.settler.Settle(ctx, key, payoutsFor(claimed))
	metrics.RecordSettlement(time.Since(start), settleErr == nil)

	entry := s.log.With(map[string]interface{}{"vendor": vendor, "order_id": orderID, "batch": key})
	switch {
	case settleErr == nil:
		settled, err := s.finishSettlement(ctx, claimed, ref)
		if err != nil {
			entry.WithError(err).Error("payout batch settled but the order could not be closed")
			return order.Order{}, err
		}
		return settled, nil
	case errors.Is(settleErr, settlement.ErrUnconfirmed):
		entry.WithError(settleErr).Warn("settlement outcome unconfirmed")
		if ref != "" {
			if err := s.markSettling(ctx, claimed, ref); err != nil {
				entry.WithError(err).Error("record settlement reference")
			}
		}
		return order.Order{}, svcerrors.SettlementFailed(settleErr, "settlement of order %s is pending", orderID).
			WithDetails("status", string(settlement.StatusPending))
	default:
		entry.WithError(settleErr).Warn("settlement failed")
		if err := s.releaseSettlement(ctx, claimed); err != nil {
			entry.WithError(err).Error("release settlement mark")
		}
		return order.Order{}, svcerrors.SettlementFailed(settleErr, "settlement of order %s failed", orderID)
	}
}

// finishSettlement journals the payouts of a paid batch and removes the
// order.
func (s *Service) finishSettlement(ctx context.Context, claimed order.Order, ref string) (order.Order, error) {
	var settled order.Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		o, err := s.getOrder(ctx, tables, claimed.Vendor, claimed.ID)
		if err != nil {
			return err
		}
		if !o.Settling {
			return svcerrors.Invariant("order %s is not settling", o.ID)
		}
		movement := ledger.Movement{Reference: ref, Vendor: o.Vendor, OrderID: o.ID}
		for _, p := range payoutsFor(o) {
			if err := s.ledger.RecordPayout(ctx, tables, p.Payee, p.Amount, movement); err != nil {
				return err
			}
		}
		if err := tables.DeleteOrder(ctx, o.Vendor, o.ID); err != nil {
			return err
		}
		o.SettlementRef = ref
		settled = o
		return nil
	})
	if err != nil {
		return order.Order{}, err
	}

	s.log.With(map[string]interface{}{
		"vendor": settled.Vendor, "order_id": settled.ID, "designer_income": settled.DesignerIncome.String(),
		"vendor_income": settled.VendorIncome.String(), "settlement_ref": ref,
	}).Info("order settled")
	events.Emit(ctx, s.events, s.log, events.SubjectOrderSettled, eventFor(settled))
	return settled, nil
}

func (s *Service) markSettling(ctx context.Context, claimed order.Order, ref string) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		o, err := s.getOrder(ctx, tables, claimed.Vendor, claimed.ID)
		if err != nil {
			return err
		}
		o.Settling = true
		o.SettlementRef = ref
		_, err = tables.UpdateOrder(ctx, o)
		return err
	})
}

// releaseSettlement clears the settling mark of an order whose batch paid
// nobody.
func (s *Service) releaseSettlement(ctx context.Context, claimed order.Order) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		o, err := s.getOrder(ctx, tables, claimed.Vendor, claimed.ID)
		if err != nil {
			return err
		}
		o.Settling = false
		o.SettlementRef = ""
		_, err = tables.UpdateOrder(ctx, o)
		return err
	})
}

// ResolvePending asks the settler about every order left settling. Paid
// batches are finished, failed ones released, and undecided ones kept for
// the next pass. It returns the number of orders resolved.
func (s *Service) ResolvePending(ctx context.Context) (int, error) {
	if s.settler == nil {
		return 0, nil
	}
	all, err := s.store.ListOrders(ctx, "")
	if err != nil {
		return 0, err
	}
	resolved := 0
	var errs []error
	for _, o := range all {
		if !o.Settling {
			continue
		}
		key := settlement.Key(o.Vendor, o.ID, o.CreatedAt)
		entry := s.log.With(map[string]interface{}{"vendor": o.Vendor, "order_id": o.ID, "batch": key})
		status, err := s.settler.Status(ctx, key, o.SettlementRef)
		if err != nil {
			entry.WithError(err).Warn("settlement status unavailable")
			errs = append(errs, err)
			continue
		}
		switch status {
		case settlement.StatusSettled:
			ref := o.SettlementRef
			if ref == "" {
				ref = key
			}
			if _, err := s.finishSettlement(ctx, o, ref); err != nil {
				errs = append(errs, err)
				continue
			}
		case settlement.StatusFailed:
			if err := s.releaseSettlement(ctx, o); err != nil {
				errs = append(errs, err)
				continue
			}
			entry.Warn("settlement failed; order released for another confirm")
		default:
			continue
		}
		resolved++
	}
	return resolved, errors.Join(errs...)
}

// payoutsFor lists the non-zero incomes of o, designer first.
func payoutsFor(o order.Order) []settlement.Payout {
	batch := make([]settlement.Payout, 0, 2)
	if o.DesignerIncome.Amount > 0 {
		batch = append(batch, settlement.Payout{
			Payee: o.Designer, Role: settlement.PayeeDesigner, Amount: o.DesignerIncome, Vendor: o.Vendor, OrderID: o.ID,
		})
	}
	if o.VendorIncome.Amount > 0 {
		batch = append(batch, settlement.Payout{
			Payee: o.Vendor, Role: settlement.PayeeVendor, Amount: o.VendorIncome, Vendor: o.Vendor, OrderID: o.ID,
		})
	}
	return batch
}

func (s *Service) requireConsumer(ctx context.Context, consumer string, o order.Order) error {
	if err := s.authz.Require(ctx, consumer); err != nil {
		return err
	}
	if consumer != o.Consumer {
		return svcerrors.Unauthorized("order %s belongs to another consumer", o.ID)
	}
	return nil
}

func (s *Service) getOrder(ctx context.Context, tables storage.Tables, vendor, orderID string) (order.Order, error) {
	o, err := tables.GetOrder(ctx, vendor, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		return order.Order{}, svcerrors.NotFound("order %s not found for vendor %s", orderID, vendor)
	}
	return o, err
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, vendor, orderID string) (order.Order, error) {
	o, err := s.store.GetOrder(ctx, vendor, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		return order.Order{}, svcerrors.NotFound("order %s not found for vendor %s", orderID, vendor)
	}
	return o, err
}

// List returns the open and fulfilled orders of vendor.
func (s *Service) List(ctx context.Context, vendor string) ([]order.Order, error) {
	if vendor == "" {
		return nil, svcerrors.Invariant("vendor is required")
	}
	return s.store.ListOrders(ctx, vendor)
}

func (s *Service) observe(op string, err error) {
	if err == nil {
		metrics.RecordOperation(op, "")
		return
	}
	metrics.RecordOperation(op, string(svcerrors.Code(err)))
}
