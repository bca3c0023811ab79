package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
	"github.com/R3E-Network/fabblink/internal/app/domain/design"
	"github.com/R3E-Network/fabblink/internal/app/domain/journal"
	"github.com/R3E-Network/fabblink/internal/app/domain/ledger"
	"github.com/R3E-Network/fabblink/internal/app/domain/order"
	"github.com/R3E-Network/fabblink/internal/app/domain/participant"
	"github.com/R3E-Network/fabblink/internal/app/storage"
	"github.com/R3E-Network/fabblink/internal/platform/migrations"
)

const fp = "5f2b8c1d9e0a4b7c6d3e2f1a0b9c8d7e6f5a4b3c2d1e0f9a8b7c6d5e4f3a2b1c"

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestGetBalanceMapsNoRowsToNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM consumer_balances WHERE consumer").
		WithArgs("carol").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetBalance(context.Background(), "carol"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateDesignMapsUniqueViolationToConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO designs").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	_, err := store.CreateDesign(context.Background(), design.Design{
		Fingerprint: fp, Designer: "alice", Price: asset.New(10), Fee: asset.New(1),
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGetDesignScansRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("FROM designs WHERE fingerprint").
		WithArgs(fp).
		WillReturnRows(sqlmock.NewRows([]string{"id", "fingerprint", "designer", "symbol", "price", "fee", "created_at", "updated_at"}).
			AddRow(7, fp, "alice", "GAS", 500, 25, now, now))

	d, err := store.GetDesignByFingerprint(context.Background(), fp)
	if err != nil {
		t.Fatalf("get design: %v", err)
	}
	if d.ID != 7 || d.Designer != "alice" || d.Price != asset.New(500) || d.Fee != asset.New(25) {
		t.Fatalf("unexpected design %+v", d)
	}
}

func TestUnknownStoredSymbolIsRejected(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM consumer_balances WHERE consumer").
		WillReturnRows(sqlmock.NewRows([]string{"consumer", "symbol", "available", "updated_at"}).
			AddRow("carol", "EOS", 10, time.Now()))

	if _, err := store.GetBalance(context.Background(), "carol"); !errors.Is(err, asset.ErrSymbolMismatch) {
		t.Fatalf("expected symbol mismatch, got %v", err)
	}
}

func TestDeleteParticipantWithoutRowsIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM participants").
		WithArgs("vendor", "v1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.DeleteParticipant(context.Background(), participant.RoleVendor, "v1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithinTxCommits(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO consumer_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tables storage.Tables) error {
		_, err := tables.PutBalance(ctx, ledger.Balance{Consumer: "carol", Available: asset.New(10)})
		return err
	})
	if err != nil {
		t.Fatalf("within tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM consumer_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tables storage.Tables) error {
		if err := tables.DeleteBalance(ctx, "carol"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

var orderRowColumns = []string{
	"vendor", "id", "designer", "consumer", "fingerprint", "requested_quantity", "printed_quantity",
	"symbol", "vendor_income", "designer_income", "settling", "settlement_ref", "created_at", "updated_at",
}

func TestPointReadsLockRowsInsideTx(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM orders WHERE vendor = \$1 AND id = \$2 FOR UPDATE$`).
		WithArgs("v1", "o1").
		WillReturnRows(sqlmock.NewRows(orderRowColumns).
			AddRow("v1", "o1", "alice", "carol", fp, 2, 2, "GAS", 10, 2, false, "", now, now))
	mock.ExpectQuery(`FROM consumer_balances WHERE consumer = \$1 FOR UPDATE$`).
		WithArgs("carol").
		WillReturnRows(sqlmock.NewRows([]string{"consumer", "symbol", "available", "updated_at"}).
			AddRow("carol", "GAS", 5, now))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tables storage.Tables) error {
		if _, err := tables.GetOrder(ctx, "v1", "o1"); err != nil {
			return err
		}
		_, err := tables.GetBalance(ctx, "carol")
		return err
	})
	if err != nil {
		t.Fatalf("within tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPointReadsOutsideTxDoNotLock(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM orders WHERE vendor = \$1 AND id = \$2$`).
		WithArgs("v1", "o1").
		WillReturnRows(sqlmock.NewRows(orderRowColumns).
			AddRow("v1", "o1", "alice", "carol", fp, 2, 1, "GAS", 10, 2, true, "order:v1:o1", now, now))

	o, err := store.GetOrder(context.Background(), "v1", "o1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !o.Settling || o.SettlementRef != "order:v1:o1" {
		t.Fatalf("expected settlement marker to be scanned, got %+v", o)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateOrderWritesSettlementMarker(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE orders").
		WithArgs("v1", "o1", 2, true, "0xfeed@1100", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(orderRowColumns).
			AddRow("v1", "o1", "alice", "carol", fp, 2, 2, "GAS", 10, 2, true, "0xfeed@1100", now, now))

	o, err := store.UpdateOrder(context.Background(), order.Order{
		Vendor: "v1", ID: "o1", PrintedQuantity: 2, Settling: true, SettlementRef: "0xfeed@1100",
	})
	if err != nil {
		t.Fatalf("update order: %v", err)
	}
	if o.State() != order.StateSettling {
		t.Fatalf("expected settling state, got %s", o.State())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestJournalTotalsAggregatesByKind(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM journal_entries GROUP BY kind").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "total"}).
			AddRow("deposit", 300).
			AddRow("debit", 120).
			AddRow("payout", 100))

	totals, err := store.JournalTotals(context.Background())
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Deposits.Amount != 300 || totals.Debits.Amount != 120 || totals.Refunds.Amount != 0 || totals.Payouts.Amount != 100 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestAppendEntryAssignsID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO journal_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))

	e, err := store.AppendEntry(context.Background(), journal.Entry{Kind: journal.KindDeposit, Account: "carol", Amount: asset.New(5), Reference: "tx-1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", e)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	if err := migrations.Up(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := New(db)
	ctx := context.Background()
	suffix := time.Now().Format("150405.000000")
	consumer := "carol-" + suffix

	if _, err := store.CreateParticipant(ctx, participant.Participant{ID: "alice-" + suffix, Role: participant.RoleDesigner}); err != nil {
		t.Fatalf("create designer: %v", err)
	}
	if _, err := store.PutBalance(ctx, ledger.Balance{Consumer: consumer, Available: asset.New(50)}); err != nil {
		t.Fatalf("put balance: %v", err)
	}

	boom := errors.New("boom")
	err = store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		if err := tables.DeleteBalance(ctx, consumer); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	b, err := store.GetBalance(ctx, consumer)
	if err != nil || b.Available.Amount != 50 {
		t.Fatalf("rollback did not restore balance: %+v err=%v", b, err)
	}
}
