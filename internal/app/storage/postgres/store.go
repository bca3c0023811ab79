package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
	"github.com/R3E-Network/fabblink/internal/app/domain/design"
	"github.com/R3E-Network/fabblink/internal/app/domain/journal"
	"github.com/R3E-Network/fabblink/internal/app/domain/ledger"
	"github.com/R3E-Network/fabblink/internal/app/domain/order"
	"github.com/R3E-Network/fabblink/internal/app/domain/participant"
	"github.com/R3E-Network/fabblink/internal/app/storage"
)

const uniqueViolation = "23505"

// Store implements the storage interfaces backed by PostgreSQL. Methods
// called directly on the Store run in autocommit mode; WithinTx runs a
// group of them in one serializable transaction.
type Store struct {
	*tables
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{tables: &tables{q: db}, db: db}
}

// WithinTx runs fn inside a serializable transaction and commits only if fn
// returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tables storage.Tables) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, &tables{q: tx, lockRows: true}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type tables struct {
	q sqlx.ExtContext
	// lockRows makes point reads of balances and orders take row locks.
	lockRows bool
}

func (t *tables) forUpdate() string {
	if t.lockRows {
		return " FOR UPDATE"
	}
	return ""
}

// --- row mapping -------------------------------------------------------------

type designRow struct {
	ID          int64     `db:"id"`
	Fingerprint string    `db:"fingerprint"`
	Designer    string    `db:"designer"`
	Symbol      string    `db:"symbol"`
	Price       int64     `db:"price"`
	Fee         int64     `db:"fee"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r designRow) toDomain() (design.Design, error) {
	sym, err := symbolFor(r.Symbol)
	if err != nil {
		return design.Design{}, err
	}
	return design.Design{
		ID:          r.ID,
		Fingerprint: r.Fingerprint,
		Designer:    r.Designer,
		Price:       asset.Asset{Amount: r.Price, Symbol: sym},
		Fee:         asset.Asset{Amount: r.Fee, Symbol: sym},
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

type balanceRow struct {
	Consumer  string    `db:"consumer"`
	Symbol    string    `db:"symbol"`
	Available int64     `db:"available"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r balanceRow) toDomain() (ledger.Balance, error) {
	sym, err := symbolFor(r.Symbol)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		Consumer:  r.Consumer,
		Available: asset.Asset{Amount: r.Available, Symbol: sym},
		UpdatedAt: r.UpdatedAt,
	}, nil
}

type orderRow struct {
	Vendor            string    `db:"vendor"`
	ID                string    `db:"id"`
	Designer          string    `db:"designer"`
	Consumer          string    `db:"consumer"`
	Fingerprint       string    `db:"fingerprint"`
	RequestedQuantity int       `db:"requested_quantity"`
	PrintedQuantity   int       `db:"printed_quantity"`
	Symbol            string    `db:"symbol"`
	VendorIncome      int64     `db:"vendor_income"`
	DesignerIncome    int64     `db:"designer_income"`
	Settling          bool      `db:"settling"`
	SettlementRef     string    `db:"settlement_ref"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r orderRow) toDomain() (order.Order, error) {
	sym, err := symbolFor(r.Symbol)
	if err != nil {
		return order.Order{}, err
	}
	return order.Order{
		Vendor:            r.Vendor,
		ID:                r.ID,
		Designer:          r.Designer,
		Consumer:          r.Consumer,
		Fingerprint:       r.Fingerprint,
		RequestedQuantity: r.RequestedQuantity,
		PrintedQuantity:   r.PrintedQuantity,
		VendorIncome:      asset.Asset{Amount: r.VendorIncome, Symbol: sym},
		DesignerIncome:    asset.Asset{Amount: r.DesignerIncome, Symbol: sym},
		Settling:          r.Settling,
		SettlementRef:     r.SettlementRef,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

type entryRow struct {
	ID           string    `db:"id"`
	Kind         string    `db:"kind"`
	Account      string    `db:"account"`
	Symbol       string    `db:"symbol"`
	Amount       int64     `db:"amount"`
	BalanceAfter int64     `db:"balance_after"`
	Reference    string    `db:"reference"`
	Vendor       string    `db:"vendor"`
	OrderID      string    `db:"order_id"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r entryRow) toDomain() (journal.Entry, error) {
	sym, err := symbolFor(r.Symbol)
	if err != nil {
		return journal.Entry{}, err
	}
	return journal.Entry{
		ID:           r.ID,
		Kind:         journal.Kind(r.Kind),
		Account:      r.Account,
		Amount:       asset.Asset{Amount: r.Amount, Symbol: sym},
		BalanceAfter: asset.Asset{Amount: r.BalanceAfter, Symbol: sym},
		Reference:    r.Reference,
		Vendor:       r.Vendor,
		OrderID:      r.OrderID,
		CreatedAt:    r.CreatedAt,
	}, nil
}

func symbolFor(code string) (asset.Symbol, error) {
	if code != asset.Accounting.Code {
		return asset.Symbol{}, fmt.Errorf("%w: stored symbol %q", asset.ErrSymbolMismatch, code)
	}
	return asset.Accounting, nil
}

func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", what, storage.ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func expectOne(res sql.Result, what string) error {
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return nil
}

// --- ParticipantStore --------------------------------------------------------

func (t *tables) GetParticipant(ctx context.Context, role participant.Role, id string) (participant.Participant, error) {
	p := participant.Participant{ID: id, Role: role}
	err := sqlx.GetContext(ctx, t.q, &p.CreatedAt, `
		SELECT created_at FROM participants WHERE role = $1 AND id = $2
	`, string(role), id)
	if err != nil {
		return participant.Participant{}, mapErr(err, fmt.Sprintf("%s %s", role, id))
	}
	return p, nil
}

func (t *tables) CreateParticipant(ctx context.Context, p participant.Participant) (participant.Participant, error) {
	p.CreatedAt = time.Now().UTC()
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO participants (role, id, created_at) VALUES ($1, $2, $3)
	`, string(p.Role), p.ID, p.CreatedAt)
	if err != nil {
		return participant.Participant{}, mapErr(err, fmt.Sprintf("%s %s", p.Role, p.ID))
	}
	return p, nil
}

func (t *tables) DeleteParticipant(ctx context.Context, role participant.Role, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM participants WHERE role = $1 AND id = $2`, string(role), id)
	if err != nil {
		return mapErr(err, fmt.Sprintf("%s %s", role, id))
	}
	return expectOne(res, fmt.Sprintf("%s %s", role, id))
}

// --- DesignStore -------------------------------------------------------------

const designColumns = `id, fingerprint, designer, symbol, price, fee, created_at, updated_at`

func (t *tables) GetDesignByFingerprint(ctx context.Context, fingerprint string) (design.Design, error) {
	var row designRow
	if err := sqlx.GetContext(ctx, t.q, &row, `SELECT `+designColumns+` FROM designs WHERE fingerprint = $1`, fingerprint); err != nil {
		return design.Design{}, mapErr(err, "design "+fingerprint)
	}
	return row.toDomain()
}

func (t *tables) CreateDesign(ctx context.Context, d design.Design) (design.Design, error) {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	err := sqlx.GetContext(ctx, t.q, &d.ID, `
		INSERT INTO designs (fingerprint, designer, symbol, price, fee, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, d.Fingerprint, d.Designer, d.Price.Symbol.Code, d.Price.Amount, d.Fee.Amount, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return design.Design{}, mapErr(err, "design "+d.Fingerprint)
	}
	return d, nil
}

func (t *tables) UpdateDesign(ctx context.Context, d design.Design) (design.Design, error) {
	var row designRow
	err := sqlx.GetContext(ctx, t.q, &row, `
		UPDATE designs
		SET designer = $2, price = $3, fee = $4, updated_at = $5
		WHERE fingerprint = $1
		RETURNING `+designColumns,
		d.Fingerprint, d.Designer, d.Price.Amount, d.Fee.Amount, time.Now().UTC())
	if err != nil {
		return design.Design{}, mapErr(err, "design "+d.Fingerprint)
	}
	return row.toDomain()
}

func (t *tables) DeleteDesign(ctx context.Context, fingerprint string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM designs WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return mapErr(err, "design "+fingerprint)
	}
	return expectOne(res, "design "+fingerprint)
}

func (t *tables) ListDesigns(ctx context.Context, designer string) ([]design.Design, error) {
	var rows []designRow
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT `+designColumns+` FROM designs
		WHERE $1::text = '' OR designer = $1
		ORDER BY id
	`, designer)
	if err != nil {
		return nil, mapErr(err, "list designs")
	}
	result := make([]design.Design, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, nil
}

// --- BalanceStore ------------------------------------------------------------

func (t *tables) GetBalance(ctx context.Context, consumer string) (ledger.Balance, error) {
	var row balanceRow
	err := sqlx.GetContext(ctx, t.q, &row, `
		SELECT consumer, symbol, available, updated_at FROM consumer_balances WHERE consumer = $1`+t.forUpdate(),
		consumer)
	if err != nil {
		return ledger.Balance{}, mapErr(err, "balance "+consumer)
	}
	return row.toDomain()
}

func (t *tables) PutBalance(ctx context.Context, b ledger.Balance) (ledger.Balance, error) {
	if b.Available.Amount <= 0 {
		return ledger.Balance{}, fmt.Errorf("balance %s must be positive, got %s", b.Consumer, b.Available)
	}
	b.UpdatedAt = time.Now().UTC()
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO consumer_balances (consumer, symbol, available, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (consumer) DO UPDATE
		SET symbol = EXCLUDED.symbol, available = EXCLUDED.available, updated_at = EXCLUDED.updated_at
	`, b.Consumer, b.Available.Symbol.Code, b.Available.Amount, b.UpdatedAt)
	if err != nil {
		return ledger.Balance{}, mapErr(err, "balance "+b.Consumer)
	}
	return b, nil
}

func (t *tables) DeleteBalance(ctx context.Context, consumer string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM consumer_balances WHERE consumer = $1`, consumer)
	if err != nil {
		return mapErr(err, "balance "+consumer)
	}
	return expectOne(res, "balance "+consumer)
}

func (t *tables) ListBalances(ctx context.Context) ([]ledger.Balance, error) {
	var rows []balanceRow
	if err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT consumer, symbol, available, updated_at FROM consumer_balances ORDER BY consumer
	`); err != nil {
		return nil, mapErr(err, "list balances")
	}
	result := make([]ledger.Balance, 0, len(rows))
	for _, r := range rows {
		b, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, nil
}

// --- OrderStore --------------------------------------------------------------

const orderColumns = `vendor, id, designer, consumer, fingerprint, requested_quantity, printed_quantity,
	symbol, vendor_income, designer_income, settling, settlement_ref, created_at, updated_at`

func (t *tables) GetOrder(ctx context.Context, vendor, id string) (order.Order, error) {
	var row orderRow
	err := sqlx.GetContext(ctx, t.q, &row, `SELECT `+orderColumns+` FROM orders WHERE vendor = $1 AND id = $2`+t.forUpdate(), vendor, id)
	if err != nil {
		return order.Order{}, mapErr(err, fmt.Sprintf("order %s/%s", vendor, id))
	}
	return row.toDomain()
}

func (t *tables) CreateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, o.Vendor, o.ID, o.Designer, o.Consumer, o.Fingerprint, o.RequestedQuantity, o.PrintedQuantity,
		o.VendorIncome.Symbol.Code, o.VendorIncome.Amount, o.DesignerIncome.Amount, o.Settling, o.SettlementRef,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return order.Order{}, mapErr(err, fmt.Sprintf("order %s/%s", o.Vendor, o.ID))
	}
	return o, nil
}

func (t *tables) UpdateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	var row orderRow
	err := sqlx.GetContext(ctx, t.q, &row, `
		UPDATE orders
		SET printed_quantity = $3, settling = $4, settlement_ref = $5, updated_at = $6
		WHERE vendor = $1 AND id = $2
		RETURNING `+orderColumns,
		o.Vendor, o.ID, o.PrintedQuantity, o.Settling, o.SettlementRef, time.Now().UTC())
	if err != nil {
		return order.Order{}, mapErr(err, fmt.Sprintf("order %s/%s", o.Vendor, o.ID))
	}
	return row.toDomain()
}

func (t *tables) DeleteOrder(ctx context.Context, vendor, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM orders WHERE vendor = $1 AND id = $2`, vendor, id)
	if err != nil {
		return mapErr(err, fmt.Sprintf("order %s/%s", vendor, id))
	}
	return expectOne(res, fmt.Sprintf("order %s/%s", vendor, id))
}

func (t *tables) ListOrders(ctx context.Context, vendor string) ([]order.Order, error) {
	var rows []orderRow
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT `+orderColumns+` FROM orders
		WHERE $1::text = '' OR vendor = $1
		ORDER BY vendor, id
	`, vendor)
	if err != nil {
		return nil, mapErr(err, "list orders")
	}
	result := make([]order.Order, 0, len(rows))
	for _, r := range rows {
		o, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, nil
}

// --- JournalStore ------------------------------------------------------------

const entryColumns = `id, kind, account, symbol, amount, balance_after, reference, vendor, order_id, created_at`

func (t *tables) AppendEntry(ctx context.Context, e journal.Entry) (journal.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO journal_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, string(e.Kind), e.Account, e.Amount.Symbol.Code, e.Amount.Amount, e.BalanceAfter.Amount,
		e.Reference, e.Vendor, e.OrderID, e.CreatedAt)
	if err != nil {
		return journal.Entry{}, mapErr(err, fmt.Sprintf("%s %s", e.Kind, e.Reference))
	}
	return e, nil
}

func (t *tables) ListEntries(ctx context.Context, account string) ([]journal.Entry, error) {
	var rows []entryRow
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT `+entryColumns+` FROM journal_entries
		WHERE $1::text = '' OR account = $1
		ORDER BY seq
	`, account)
	if err != nil {
		return nil, mapErr(err, "list journal")
	}
	result := make([]journal.Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

func (t *tables) JournalTotals(ctx context.Context) (journal.Totals, error) {
	var rows []struct {
		Kind  string `db:"kind"`
		Total int64  `db:"total"`
	}
	if err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT kind, COALESCE(SUM(amount), 0)::BIGINT AS total FROM journal_entries GROUP BY kind
	`); err != nil {
		return journal.Totals{}, mapErr(err, "journal totals")
	}
	totals := journal.Totals{Deposits: asset.Zero(), Debits: asset.Zero(), Refunds: asset.Zero(), Payouts: asset.Zero()}
	for _, r := range rows {
		switch journal.Kind(r.Kind) {
		case journal.KindDeposit:
			totals.Deposits = asset.New(r.Total)
		case journal.KindDebit:
			totals.Debits = asset.New(r.Total)
		case journal.KindRefund:
			totals.Refunds = asset.New(r.Total)
		case journal.KindPayout:
			totals.Payouts = asset.New(r.Total)
		}
	}
	return totals, nil
}
