package memory

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
	"github.com/R3E-Network/fabblink/internal/app/domain/design"
	"github.com/R3E-Network/fabblink/internal/app/domain/journal"
	"github.com/R3E-Network/fabblink/internal/app/domain/ledger"
	"github.com/R3E-Network/fabblink/internal/app/domain/order"
	"github.com/R3E-Network/fabblink/internal/app/domain/participant"
	"github.com/R3E-Network/fabblink/internal/app/storage"
)

const fp = "5f2b8c1d9e0a4b7c6d3e2f1a0b9c8d7e6f5a4b3c2d1e0f9a8b7c6d5e4f3a2b1c"

func TestParticipantsAreScopedByRole(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateParticipant(ctx, participant.Participant{ID: "alice", Role: participant.RoleDesigner}); err != nil {
		t.Fatalf("create designer: %v", err)
	}
	if _, err := store.CreateParticipant(ctx, participant.Participant{ID: "alice", Role: participant.RoleVendor}); err != nil {
		t.Fatalf("same id as vendor should be allowed: %v", err)
	}
	if _, err := store.CreateParticipant(ctx, participant.Participant{ID: "alice", Role: participant.RoleDesigner}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.DeleteParticipant(ctx, participant.RoleDesigner, "alice"); err != nil {
		t.Fatalf("delete designer: %v", err)
	}
	if _, err := store.GetParticipant(ctx, participant.RoleDesigner, "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.GetParticipant(ctx, participant.RoleVendor, "alice"); err != nil {
		t.Fatalf("vendor should survive designer removal: %v", err)
	}
}

func TestDesignFingerprintIndex(t *testing.T) {
	store := New()
	ctx := context.Background()

	created, err := store.CreateDesign(ctx, design.Design{Fingerprint: fp, Designer: "alice", Price: asset.New(10), Fee: asset.New(1)})
	if err != nil {
		t.Fatalf("create design: %v", err)
	}
	if created.ID != 1 {
		t.Fatalf("expected first id 1, got %d", created.ID)
	}
	if _, err := store.CreateDesign(ctx, design.Design{Fingerprint: fp, Designer: "bob"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	created.Price = asset.New(20)
	updated, err := store.UpdateDesign(ctx, created)
	if err != nil {
		t.Fatalf("update design: %v", err)
	}
	if updated.ID != created.ID || updated.Price.Amount != 20 {
		t.Fatalf("unexpected update result %+v", updated)
	}

	if err := store.DeleteDesign(ctx, fp); err != nil {
		t.Fatalf("delete design: %v", err)
	}
	if _, err := store.GetDesignByFingerprint(ctx, fp); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	again, err := store.CreateDesign(ctx, design.Design{Fingerprint: fp, Designer: "bob"})
	if err != nil {
		t.Fatalf("recreate design: %v", err)
	}
	if again.ID != 2 {
		t.Fatalf("ids must not be reused, got %d", again.ID)
	}
}

func TestBalanceMustBePositive(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.PutBalance(ctx, ledger.Balance{Consumer: "carol", Available: asset.Zero()}); err == nil {
		t.Fatalf("expected zero balance to be rejected")
	}
	if _, err := store.PutBalance(ctx, ledger.Balance{Consumer: "carol", Available: asset.New(5)}); err != nil {
		t.Fatalf("put balance: %v", err)
	}
	balances, _ := store.ListBalances(ctx)
	if len(balances) != 1 || balances[0].Available.Amount != 5 {
		t.Fatalf("unexpected balances %+v", balances)
	}
}

func TestOrdersAreScopedByVendor(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, vendor := range []string{"v1", "v2"} {
		if _, err := store.CreateOrder(ctx, order.Order{Vendor: vendor, ID: "o1", RequestedQuantity: 1}); err != nil {
			t.Fatalf("create order for %s: %v", vendor, err)
		}
	}
	if _, err := store.CreateOrder(ctx, order.Order{Vendor: "v1", ID: "o1"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	list, _ := store.ListOrders(ctx, "v1")
	if len(list) != 1 {
		t.Fatalf("expected one v1 order, got %d", len(list))
	}
	all, _ := store.ListOrders(ctx, "")
	if len(all) != 2 {
		t.Fatalf("expected two orders overall, got %d", len(all))
	}
	if err := store.DeleteOrder(ctx, "v1", "o1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteOrder(ctx, "v1", "o1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestJournalRejectsDuplicateDepositReference(t *testing.T) {
	store := New()
	ctx := context.Background()

	entry := journal.Entry{Kind: journal.KindDeposit, Account: "carol", Amount: asset.New(100), Reference: "tx-1"}
	if _, err := store.AppendEntry(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AppendEntry(ctx, entry); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.AppendEntry(ctx, journal.Entry{Kind: journal.KindDebit, Account: "carol", Amount: asset.New(40), Reference: "tx-1"}); err != nil {
		t.Fatalf("non-deposit entries may share references: %v", err)
	}

	totals, err := store.JournalTotals(ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Deposits.Amount != 100 || totals.Debits.Amount != 40 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.PutBalance(ctx, ledger.Balance{Consumer: "carol", Available: asset.New(50)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before := store.Snapshot()

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		if err := tables.DeleteBalance(ctx, "carol"); err != nil {
			return err
		}
		if _, err := tables.CreateOrder(ctx, order.Order{Vendor: "v1", ID: "o1"}); err != nil {
			return err
		}
		if _, err := tables.AppendEntry(ctx, journal.Entry{Kind: journal.KindDebit, Account: "carol", Amount: asset.New(50)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if after := store.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed after failed transaction:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestWithinTxCommits(t *testing.T) {
	store := New()
	ctx := context.Background()

	err := store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		_, err := tables.PutBalance(ctx, ledger.Balance{Consumer: "carol", Available: asset.New(7)})
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	b, err := store.GetBalance(ctx, "carol")
	if err != nil || b.Available.Amount != 7 {
		t.Fatalf("expected committed balance, got %+v err=%v", b, err)
	}
}

func TestFailedTxTruncatesJournal(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.AppendEntry(ctx, journal.Entry{Kind: journal.KindDeposit, Account: "carol", Amount: asset.New(100), Reference: "tx-1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		for _, ref := range []string{"tx-2", "tx-3"} {
			if _, err := tables.AppendEntry(ctx, journal.Entry{Kind: journal.KindDeposit, Account: "carol", Amount: asset.New(10), Reference: ref}); err != nil {
				return err
			}
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	entries, err := store.ListEntries(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Reference != "tx-1" {
		t.Fatalf("expected only the committed entry, got %+v", entries)
	}

	// References of rolled back deposits are free again.
	if _, err := store.AppendEntry(ctx, journal.Entry{Kind: journal.KindDeposit, Account: "carol", Amount: asset.New(10), Reference: "tx-2"}); err != nil {
		t.Fatalf("reuse rolled back reference: %v", err)
	}
	if _, err := store.AppendEntry(ctx, journal.Entry{Kind: journal.KindDeposit, Account: "carol", Amount: asset.New(10), Reference: "tx-1"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("committed reference must stay taken, got %v", err)
	}
}
