package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/fabblink/internal/app/domain/design"
	"github.com/R3E-Network/fabblink/internal/app/domain/journal"
	"github.com/R3E-Network/fabblink/internal/app/domain/ledger"
	"github.com/R3E-Network/fabblink/internal/app/domain/order"
	"github.com/R3E-Network/fabblink/internal/app/domain/participant"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("storage: record already exists")
)

// ParticipantStore persists the designer and vendor registries.
type ParticipantStore interface {
	GetParticipant(ctx context.Context, role participant.Role, id string) (participant.Participant, error)
	CreateParticipant(ctx context.Context, p participant.Participant) (participant.Participant, error)
	DeleteParticipant(ctx context.Context, role participant.Role, id string) error
}

// DesignStore persists catalog entries, indexed by fingerprint.
type DesignStore interface {
	GetDesignByFingerprint(ctx context.Context, fingerprint string) (design.Design, error)
	CreateDesign(ctx context.Context, d design.Design) (design.Design, error)
	UpdateDesign(ctx context.Context, d design.Design) (design.Design, error)
	DeleteDesign(ctx context.Context, fingerprint string) error
	ListDesigns(ctx context.Context, designer string) ([]design.Design, error)
}

// BalanceStore persists consumer balances. PutBalance upserts.
type BalanceStore interface {
	GetBalance(ctx context.Context, consumer string) (ledger.Balance, error)
	PutBalance(ctx context.Context, b ledger.Balance) (ledger.Balance, error)
	DeleteBalance(ctx context.Context, consumer string) error
	ListBalances(ctx context.Context) ([]ledger.Balance, error)
}

// OrderStore persists orders scoped by vendor. ListOrders with an empty
// vendor returns every open order.
type OrderStore interface {
	GetOrder(ctx context.Context, vendor, id string) (order.Order, error)
	CreateOrder(ctx context.Context, o order.Order) (order.Order, error)
	UpdateOrder(ctx context.Context, o order.Order) (order.Order, error)
	DeleteOrder(ctx context.Context, vendor, id string) error
	ListOrders(ctx context.Context, vendor string) ([]order.Order, error)
}

// JournalStore persists the append-only movement log. AppendEntry returns
// ErrConflict when a deposit reference has already been recorded.
type JournalStore interface {
	AppendEntry(ctx context.Context, e journal.Entry) (journal.Entry, error)
	ListEntries(ctx context.Context, account string) ([]journal.Entry, error)
	JournalTotals(ctx context.Context) (journal.Totals, error)
}

// Tables is the full set of tables one operation may touch.
type Tables interface {
	ParticipantStore
	DesignStore
	BalanceStore
	OrderStore
	JournalStore
}

// Transactor runs fn atomically: either every mutation fn makes through
// tables is applied, or none is. fn must not call WithinTx again.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tables Tables) error) error
}

// Store is a complete backend: direct table access for reads plus
// transactional execution for operations.
type Store interface {
	Tables
	Transactor
}
