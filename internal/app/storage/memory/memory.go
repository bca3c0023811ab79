package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
	"github.com/R3E-Network/fabblink/internal/app/domain/design"
	"github.com/R3E-Network/fabblink/internal/app/domain/journal"
	"github.com/R3E-Network/fabblink/internal/app/domain/ledger"
	"github.com/R3E-Network/fabblink/internal/app/domain/order"
	"github.com/R3E-Network/fabblink/internal/app/domain/participant"
	"github.com/R3E-Network/fabblink/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
//
// Operations run against a cloned working set that replaces the live state
// only when the operation succeeds, so a failed operation leaves every table
// exactly as it was. The journal is append-only and is not cloned: a failed
// operation truncates it back to its length at the start.
type Store struct {
	mu    sync.RWMutex
	state *state
	log   *journalLog
	now   func() time.Time
}

var _ storage.Store = (*Store)(nil)

type state struct {
	designers            map[string]participant.Participant
	vendors              map[string]participant.Participant
	designs              map[int64]design.Design
	designsByFingerprint map[string]int64
	nextDesignID         int64
	balances             map[string]ledger.Balance
	orders               map[string]map[string]order.Order
}

type journalLog struct {
	entries     []journal.Entry
	depositRefs map[string]struct{}
}

// truncate drops every entry appended after mark.
func (l *journalLog) truncate(mark int) {
	for i := mark; i < len(l.entries); i++ {
		if e := l.entries[i]; e.Kind == journal.KindDeposit && e.Reference != "" {
			delete(l.depositRefs, e.Reference)
		}
		l.entries[i] = journal.Entry{}
	}
	l.entries = l.entries[:mark]
}

// New creates an empty store.
func New() *Store {
	return &Store{
		state: newState(),
		log:   &journalLog{depositRefs: make(map[string]struct{})},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func newState() *state {
	return &state{
		designers:            make(map[string]participant.Participant),
		vendors:              make(map[string]participant.Participant),
		designs:              make(map[int64]design.Design),
		designsByFingerprint: make(map[string]int64),
		nextDesignID:         1,
		balances:             make(map[string]ledger.Balance),
		orders:               make(map[string]map[string]order.Order),
	}
}

func (st *state) clone() *state {
	cp := &state{
		designers:            make(map[string]participant.Participant, len(st.designers)),
		vendors:              make(map[string]participant.Participant, len(st.vendors)),
		designs:              make(map[int64]design.Design, len(st.designs)),
		designsByFingerprint: make(map[string]int64, len(st.designsByFingerprint)),
		nextDesignID:         st.nextDesignID,
		balances:             make(map[string]ledger.Balance, len(st.balances)),
		orders:               make(map[string]map[string]order.Order, len(st.orders)),
	}
	for k, v := range st.designers {
		cp.designers[k] = v
	}
	for k, v := range st.vendors {
		cp.vendors[k] = v
	}
	for k, v := range st.designs {
		cp.designs[k] = v
	}
	for k, v := range st.designsByFingerprint {
		cp.designsByFingerprint[k] = v
	}
	for k, v := range st.balances {
		cp.balances[k] = v
	}
	for vendor, scoped := range st.orders {
		inner := make(map[string]order.Order, len(scoped))
		for id, o := range scoped {
			inner[id] = o
		}
		cp.orders[vendor] = inner
	}
	return cp
}

// WithinTx runs fn against a private copy of the state and publishes the
// copy only if fn succeeds. Operations are serialized by the store lock.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tables storage.Tables) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	mark := len(s.log.entries)
	if err := fn(ctx, &tables{st: work, log: s.log, now: s.now}); err != nil {
		s.log.truncate(mark)
		return err
	}
	s.state = work
	return nil
}

func (s *Store) read() *tables {
	return &tables{st: s.state, log: s.log, now: s.now}
}

func (s *Store) write(ctx context.Context, fn func(t storage.Tables) error) error {
	return s.WithinTx(ctx, func(_ context.Context, t storage.Tables) error { return fn(t) })
}

// Snapshot is a deep copy of every table, comparable with reflect.DeepEqual.
type Snapshot struct {
	Designers []participant.Participant
	Vendors   []participant.Participant
	Designs   []design.Design
	Balances  []ledger.Balance
	Orders    []order.Order
	Journal   []journal.Entry
}

// Snapshot returns the current contents of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.read()
	snap := Snapshot{
		Designers: sortedParticipants(t.st.designers),
		Vendors:   sortedParticipants(t.st.vendors),
		Journal:   append([]journal.Entry(nil), t.log.entries...),
	}
	snap.Designs, _ = t.ListDesigns(context.Background(), "")
	snap.Balances, _ = t.ListBalances(context.Background())
	snap.Orders, _ = t.ListOrders(context.Background(), "")
	return snap
}

// ParticipantStore implementation ---------------------------------------------

func (s *Store) GetParticipant(ctx context.Context, role participant.Role, id string) (participant.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetParticipant(ctx, role, id)
}

func (s *Store) CreateParticipant(ctx context.Context, p participant.Participant) (participant.Participant, error) {
	var out participant.Participant
	err := s.write(ctx, func(t storage.Tables) (err error) {
		out, err = t.CreateParticipant(ctx, p)
		return err
	})
	return out, err
}

func (s *Store) DeleteParticipant(ctx context.Context, role participant.Role, id string) error {
	return s.write(ctx, func(t storage.Tables) error { return t.DeleteParticipant(ctx, role, id) })
}

// DesignStore implementation --------------------------------------------------

func (s *Store) GetDesignByFingerprint(ctx context.Context, fingerprint string) (design.Design, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetDesignByFingerprint(ctx, fingerprint)
}

func (s *Store) CreateDesign(ctx context.Context, d design.Design) (design.Design, error) {
	var out design.Design
	err := s.write(ctx, func(t storage.Tables) (err error) {
		out, err = t.CreateDesign(ctx, d)
		return err
	})
	return out, err
}

func (s *Store) UpdateDesign(ctx context.Context, d design.Design) (design.Design, error) {
	var out design.Design
	err := s.write(ctx, func(t storage.Tables) (err error) {
		out, err = t.UpdateDesign(ctx, d)
		return err
	})
	return out, err
}

func (s *Store) DeleteDesign(ctx context.Context, fingerprint string) error {
	return s.write(ctx, func(t storage.Tables) error { return t.DeleteDesign(ctx, fingerprint) })
}

func (s *Store) ListDesigns(ctx context.Context, designer string) ([]design.Design, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListDesigns(ctx, designer)
}

// BalanceStore implementation -------------------------------------------------

func (s *Store) GetBalance(ctx context.Context, consumer string) (ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetBalance(ctx, consumer)
}

func (s *Store) PutBalance(ctx context.Context, b ledger.Balance) (ledger.Balance, error) {
	var out ledger.Balance
	err := s.write(ctx, func(t storage.Tables) (err error) {
		out, err = t.PutBalance(ctx, b)
		return err
	})
	return out, err
}

func (s *Store) DeleteBalance(ctx context.Context, consumer string) error {
	return s.write(ctx, func(t storage.Tables) error { return t.DeleteBalance(ctx, consumer) })
}

func (s *Store) ListBalances(ctx context.Context) ([]ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListBalances(ctx)
}

// OrderStore implementation ---------------------------------------------------

func (s *Store) GetOrder(ctx context.Context, vendor, id string) (order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetOrder(ctx, vendor, id)
}

func (s *Store) CreateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	var out order.Order
	err := s.write(ctx, func(t storage.Tables) (err error) {
		out, err = t.CreateOrder(ctx, o)
		return err
	})
	return out, err
}

func (s *Store) UpdateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	var out order.Order
	err := s.write(ctx, func(t storage.Tables) (err error) {
		out, err = t.UpdateOrder(ctx, o)
		return err
	})
	return out, err
}

func (s *Store) DeleteOrder(ctx context.Context, vendor, id string) error {
	return s.write(ctx, func(t storage.Tables) error { return t.DeleteOrder(ctx, vendor, id) })
}

func (s *Store) ListOrders(ctx context.Context, vendor string) ([]order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListOrders(ctx, vendor)
}

// JournalStore implementation -------------------------------------------------

func (s *Store) AppendEntry(ctx context.Context, e journal.Entry) (journal.Entry, error) {
	var out journal.Entry
	err := s.write(ctx, func(t storage.Tables) (err error) {
		out, err = t.AppendEntry(ctx, e)
		return err
	})
	return out, err
}

func (s *Store) ListEntries(ctx context.Context, account string) ([]journal.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListEntries(ctx, account)
}

func (s *Store) JournalTotals(ctx context.Context) (journal.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().JournalTotals(ctx)
}

// tables operates on one state value without locking; the Store decides
// whether that state is live (reads) or a working copy (transactions).
type tables struct {
	st  *state
	log *journalLog
	now func() time.Time
}

func (t *tables) registry(role participant.Role) (map[string]participant.Participant, error) {
	switch role {
	case participant.RoleDesigner:
		return t.st.designers, nil
	case participant.RoleVendor:
		return t.st.vendors, nil
	}
	return nil, fmt.Errorf("unknown participant role %q", role)
}

func (t *tables) GetParticipant(_ context.Context, role participant.Role, id string) (participant.Participant, error) {
	reg, err := t.registry(role)
	if err != nil {
		return participant.Participant{}, err
	}
	p, ok := reg[id]
	if !ok {
		return participant.Participant{}, fmt.Errorf("%s %s: %w", role, id, storage.ErrNotFound)
	}
	return p, nil
}

func (t *tables) CreateParticipant(_ context.Context, p participant.Participant) (participant.Participant, error) {
	reg, err := t.registry(p.Role)
	if err != nil {
		return participant.Participant{}, err
	}
	if _, exists := reg[p.ID]; exists {
		return participant.Participant{}, fmt.Errorf("%s %s: %w", p.Role, p.ID, storage.ErrConflict)
	}
	p.CreatedAt = t.now()
	reg[p.ID] = p
	return p, nil
}

func (t *tables) DeleteParticipant(_ context.Context, role participant.Role, id string) error {
	reg, err := t.registry(role)
	if err != nil {
		return err
	}
	if _, ok := reg[id]; !ok {
		return fmt.Errorf("%s %s: %w", role, id, storage.ErrNotFound)
	}
	delete(reg, id)
	return nil
}

func (t *tables) GetDesignByFingerprint(_ context.Context, fingerprint string) (design.Design, error) {
	id, ok := t.st.designsByFingerprint[fingerprint]
	if !ok {
		return design.Design{}, fmt.Errorf("design %s: %w", fingerprint, storage.ErrNotFound)
	}
	return t.st.designs[id], nil
}

func (t *tables) CreateDesign(_ context.Context, d design.Design) (design.Design, error) {
	if _, exists := t.st.designsByFingerprint[d.Fingerprint]; exists {
		return design.Design{}, fmt.Errorf("design %s: %w", d.Fingerprint, storage.ErrConflict)
	}
	d.ID = t.st.nextDesignID
	t.st.nextDesignID++
	now := t.now()
	d.CreatedAt = now
	d.UpdatedAt = now
	t.st.designs[d.ID] = d
	t.st.designsByFingerprint[d.Fingerprint] = d.ID
	return d, nil
}

func (t *tables) UpdateDesign(_ context.Context, d design.Design) (design.Design, error) {
	id, ok := t.st.designsByFingerprint[d.Fingerprint]
	if !ok {
		return design.Design{}, fmt.Errorf("design %s: %w", d.Fingerprint, storage.ErrNotFound)
	}
	original := t.st.designs[id]
	d.ID = original.ID
	d.CreatedAt = original.CreatedAt
	d.UpdatedAt = t.now()
	t.st.designs[id] = d
	return d, nil
}

func (t *tables) DeleteDesign(_ context.Context, fingerprint string) error {
	id, ok := t.st.designsByFingerprint[fingerprint]
	if !ok {
		return fmt.Errorf("design %s: %w", fingerprint, storage.ErrNotFound)
	}
	delete(t.st.designs, id)
	delete(t.st.designsByFingerprint, fingerprint)
	return nil
}

func (t *tables) ListDesigns(_ context.Context, designer string) ([]design.Design, error) {
	result := make([]design.Design, 0)
	for _, d := range t.st.designs {
		if designer == "" || d.Designer == designer {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (t *tables) GetBalance(_ context.Context, consumer string) (ledger.Balance, error) {
	b, ok := t.st.balances[consumer]
	if !ok {
		return ledger.Balance{}, fmt.Errorf("balance %s: %w", consumer, storage.ErrNotFound)
	}
	return b, nil
}

func (t *tables) PutBalance(_ context.Context, b ledger.Balance) (ledger.Balance, error) {
	if b.Available.Amount <= 0 {
		return ledger.Balance{}, fmt.Errorf("balance %s must be positive, got %s", b.Consumer, b.Available)
	}
	b.UpdatedAt = t.now()
	t.st.balances[b.Consumer] = b
	return b, nil
}

func (t *tables) DeleteBalance(_ context.Context, consumer string) error {
	if _, ok := t.st.balances[consumer]; !ok {
		return fmt.Errorf("balance %s: %w", consumer, storage.ErrNotFound)
	}
	delete(t.st.balances, consumer)
	return nil
}

func (t *tables) ListBalances(_ context.Context) ([]ledger.Balance, error) {
	result := make([]ledger.Balance, 0, len(t.st.balances))
	for _, b := range t.st.balances {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Consumer < result[j].Consumer })
	return result, nil
}

func (t *tables) GetOrder(_ context.Context, vendor, id string) (order.Order, error) {
	o, ok := t.st.orders[vendor][id]
	if !ok {
		return order.Order{}, fmt.Errorf("order %s/%s: %w", vendor, id, storage.ErrNotFound)
	}
	return o, nil
}

func (t *tables) CreateOrder(_ context.Context, o order.Order) (order.Order, error) {
	scoped, ok := t.st.orders[o.Vendor]
	if !ok {
		scoped = make(map[string]order.Order)
		t.st.orders[o.Vendor] = scoped
	}
	if _, exists := scoped[o.ID]; exists {
		return order.Order{}, fmt.Errorf("order %s/%s: %w", o.Vendor, o.ID, storage.ErrConflict)
	}
	now := t.now()
	o.CreatedAt = now
	o.UpdatedAt = now
	scoped[o.ID] = o
	return o, nil
}

func (t *tables) UpdateOrder(_ context.Context, o order.Order) (order.Order, error) {
	original, ok := t.st.orders[o.Vendor][o.ID]
	if !ok {
		return order.Order{}, fmt.Errorf("order %s/%s: %w", o.Vendor, o.ID, storage.ErrNotFound)
	}
	o.CreatedAt = original.CreatedAt
	o.UpdatedAt = t.now()
	t.st.orders[o.Vendor][o.ID] = o
	return o, nil
}

func (t *tables) DeleteOrder(_ context.Context, vendor, id string) error {
	scoped, ok := t.st.orders[vendor]
	if !ok {
		return fmt.Errorf("order %s/%s: %w", vendor, id, storage.ErrNotFound)
	}
	if _, ok := scoped[id]; !ok {
		return fmt.Errorf("order %s/%s: %w", vendor, id, storage.ErrNotFound)
	}
	delete(scoped, id)
	if len(scoped) == 0 {
		delete(t.st.orders, vendor)
	}
	return nil
}

func (t *tables) ListOrders(_ context.Context, vendor string) ([]order.Order, error) {
	result := make([]order.Order, 0)
	for v, scoped := range t.st.orders {
		if vendor != "" && v != vendor {
			continue
		}
		for _, o := range scoped {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Vendor != result[j].Vendor {
			return result[i].Vendor < result[j].Vendor
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (t *tables) AppendEntry(_ context.Context, e journal.Entry) (journal.Entry, error) {
	if e.Kind == journal.KindDeposit && e.Reference != "" {
		if _, seen := t.log.depositRefs[e.Reference]; seen {
			return journal.Entry{}, fmt.Errorf("deposit %s: %w", e.Reference, storage.ErrConflict)
		}
		t.log.depositRefs[e.Reference] = struct{}{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now()
	}
	t.log.entries = append(t.log.entries, e)
	return e, nil
}

func (t *tables) ListEntries(_ context.Context, account string) ([]journal.Entry, error) {
	result := make([]journal.Entry, 0)
	for _, e := range t.log.entries {
		if account == "" || e.Account == account {
			result = append(result, e)
		}
	}
	return result, nil
}

func (t *tables) JournalTotals(_ context.Context) (journal.Totals, error) {
	totals := journal.Totals{
		Deposits: asset.Zero(),
		Debits:   asset.Zero(),
		Refunds:  asset.Zero(),
		Payouts:  asset.Zero(),
	}
	for _, e := range t.log.entries {
		var target *asset.Asset
		switch e.Kind {
		case journal.KindDeposit:
			target = &totals.Deposits
		case journal.KindDebit:
			target = &totals.Debits
		case journal.KindRefund:
			target = &totals.Refunds
		case journal.KindPayout:
			target = &totals.Payouts
		default:
			continue
		}
		next, err := target.Add(e.Amount)
		if err != nil {
			return journal.Totals{}, fmt.Errorf("journal totals: %w", err)
		}
		*target = next
	}
	return totals, nil
}

func sortedParticipants(reg map[string]participant.Participant) []participant.Participant {
	result := make([]participant.Participant, 0, len(reg))
	for _, p := range reg {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
