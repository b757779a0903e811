package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"spreadlab/internal/spread"
)

// memStore is an in-memory StrategyStore for tests. Failure flags make
// individual store operations fail on demand.
type memStore struct {
	mu      sync.Mutex
	records map[string]*StrategyRecord

	failUpsert bool
	failList   bool
	failSettle bool
	failStatus bool
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*StrategyRecord)}
}

func (s *memStore) UpsertStrategy(_ context.Context, record *StrategyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsert {
		return errors.New("upsert failed")
	}
	cp := *record
	s.records[cp.ID] = &cp
	return nil
}

func (s *memStore) GetStrategy(_ context.Context, id string) (*StrategyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) ListActive(_ context.Context) ([]StrategyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList {
		return nil, errors.New("list failed")
	}
	var out []StrategyRecord
	for _, rec := range s.records {
		if rec.Status == StatusPending || rec.Status == StatusActive {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *memStore) ListCompleted(_ context.Context, limit int) ([]StrategyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StrategyRecord
	for _, rec := range s.records {
		if rec.Status == StatusCompleted {
			out = append(out, *rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) UpdateSettlement(_ context.Context, id string, settlement Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSettle {
		return errors.New("settle failed")
	}
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}
	rec.ExitPrice = settlement.ExitPrice
	rec.ExitDate = settlement.ExitDate
	rec.FinalPnL = settlement.FinalPnL
	rec.Result = settlement.Result
	rec.ExitReason = settlement.Reason
	rec.Status = StatusCompleted
	return nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStatus {
		return errors.New("status update failed")
	}
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}
	rec.Status = status
	return nil
}

func (s *memStore) SaveSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range session.Strategies {
		cp := session.Strategies[i]
		s.records[cp.ID] = &cp
	}
	return nil
}

func (s *memStore) Summary(_ context.Context) (StoreSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum StoreSummary
	for _, rec := range s.records {
		if rec.Status != StatusCompleted {
			continue
		}
		sum.TotalTrades++
		sum.TotalPnL += rec.FinalPnL
		switch rec.Result {
		case OutcomeProfit:
			sum.WinningTrades++
		case OutcomeLoss:
			sum.LosingTrades++
		default:
			sum.BreakevenTrades++
		}
	}
	return sum, nil
}

var _ StrategyStore = (*memStore)(nil)

func (s *memStore) get(id string) *StrategyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// callDebitRecord is a 145/155 call debit spread bought for a net 2.00
// per share: max profit 8, max loss 2 at one contract.
func callDebitRecord(id string, expiration time.Time) *StrategyRecord {
	return &StrategyRecord{
		ID:             id,
		Symbol:         "SPY",
		Kind:           spread.CallDebit,
		EntryDate:      expiration.AddDate(0, -1, 0),
		ExpirationDate: expiration,
		EntryPrice:     150,
		LowerStrike:    145,
		UpperStrike:    155,
		LowerPremium:   3,
		UpperPremium:   1,
		Contracts:      1,
		InitialCost:    2,
		MaxProfit:      8,
		MaxLoss:        2,
		Status:         StatusActive,
		CreatedAt:      expiration.AddDate(0, -1, 0),
	}
}

func fixedPrices(price float64) PriceFunc {
	return func(string) (float64, error) { return price, nil }
}

func TestTrackerAddAndActive(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, testLogger())
	ctx := context.Background()

	exp := time.Date(2024, 6, 21, 16, 0, 0, 0, time.UTC)
	if err := tr.Add(ctx, callDebitRecord("s1", exp)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tr.Add(ctx, callDebitRecord("s2", exp)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if got := len(tr.Active()); got != 2 {
		t.Fatalf("Active() = %d records, want 2", got)
	}
	if store.get("s1") == nil || store.get("s2") == nil {
		t.Fatal("added records not persisted")
	}
}

func TestTrackerAddStoreFailure(t *testing.T) {
	store := newMemStore()
	store.failUpsert = true
	tr := NewTracker(store, testLogger())

	err := tr.Add(context.Background(), callDebitRecord("s1", time.Now()))
	if err == nil {
		t.Fatal("Add succeeded despite store failure")
	}
	if len(tr.Active()) != 0 {
		t.Fatal("record tracked despite failed persist")
	}
}

func TestTrackerExpired(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, testLogger())
	ctx := context.Background()

	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	past := callDebitRecord("past", now.AddDate(0, 0, -3))
	exact := callDebitRecord("exact", now)
	future := callDebitRecord("future", now.AddDate(0, 1, 0))
	for _, rec := range []*StrategyRecord{past, exact, future} {
		if err := tr.Add(ctx, rec); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	expired := tr.Expired(now)
	if len(expired) != 2 {
		t.Fatalf("Expired() = %d records, want 2", len(expired))
	}
	for _, rec := range expired {
		if rec.ID == "future" {
			t.Fatal("unexpired record reported as expired")
		}
	}
}

func TestTrackerSettle(t *testing.T) {
	tr := NewTracker(newMemStore(), testLogger())
	rec := callDebitRecord("s1", time.Now())

	tests := []struct {
		name   string
		price  float64
		pnl    float64
		result Outcome
	}{
		{"above upper strike", 160, 8, OutcomeProfit},
		{"at upper strike", 155, 8, OutcomeProfit},
		{"below lower strike", 140, -2, OutcomeLoss},
		{"at lower strike", 145, -2, OutcomeLoss},
		{"between strikes profit", 150, 3, OutcomeProfit},
		{"between strikes loss", 146, -1, OutcomeLoss},
		{"at breakeven", 147, 0, OutcomeBreakeven},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pnl, result, reason := tr.Settle(rec, tc.price)
			if pnl != tc.pnl || result != tc.result {
				t.Fatalf("Settle(%.0f) = (%.2f, %s), want (%.2f, %s)",
					tc.price, pnl, result, tc.pnl, tc.result)
			}
			if reason == "" {
				t.Fatal("empty settlement reason")
			}
		})
	}
}

func TestTrackerSettlePutDebit(t *testing.T) {
	tr := NewTracker(newMemStore(), testLogger())
	rec := callDebitRecord("s1", time.Now())
	rec.Kind = spread.PutDebit
	// 145/155 put debit: buy the 155 put, sell the 145 put for a net
	// 2.00 debit. Profits as price falls.

	pnl, result, _ := tr.Settle(rec, 140)
	if pnl != 8 || result != OutcomeProfit {
		t.Fatalf("Settle(140) = (%.2f, %s), want (8.00, %s)", pnl, result, OutcomeProfit)
	}
	pnl, result, _ = tr.Settle(rec, 160)
	if pnl != -2 || result != OutcomeLoss {
		t.Fatalf("Settle(160) = (%.2f, %s), want (-2.00, %s)", pnl, result, OutcomeLoss)
	}
	// Intrinsic 155-150=5 minus the 2.00 cost.
	pnl, result, _ = tr.Settle(rec, 150)
	if pnl != 3 || result != OutcomeProfit {
		t.Fatalf("Settle(150) = (%.2f, %s), want (3.00, %s)", pnl, result, OutcomeProfit)
	}
}

func TestTrackerSettleUnknownKind(t *testing.T) {
	tr := NewTracker(newMemStore(), testLogger())
	rec := callDebitRecord("s1", time.Now())
	rec.Kind = spread.Kind("iron_condor")

	pnl, result, reason := tr.Settle(rec, 150)
	if pnl != 0 || result != OutcomeBreakeven {
		t.Fatalf("Settle = (%.2f, %s), want flat breakeven", pnl, result)
	}
	if reason == "" {
		t.Fatal("empty settlement reason")
	}
}

func TestTrackerSettleMultipleContracts(t *testing.T) {
	tr := NewTracker(newMemStore(), testLogger())
	rec := callDebitRecord("s1", time.Now())
	rec.Contracts = 5
	rec.InitialCost = 10
	rec.MaxProfit = 40
	rec.MaxLoss = 10

	pnl, result, _ := tr.Settle(rec, 150)
	// Intrinsic 5 minus 2.00 per-contract cost, times 5 contracts.
	if pnl != 15 || result != OutcomeProfit {
		t.Fatalf("Settle(150) = (%.2f, %s), want (15.00, %s)", pnl, result, OutcomeProfit)
	}
}

func TestProcessExpiredSettlesAndRemoves(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, testLogger())
	ctx := context.Background()

	exp := time.Date(2024, 6, 21, 16, 0, 0, 0, time.UTC)
	if err := tr.Add(ctx, callDebitRecord("s1", exp)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	tr.now = func() time.Time { return exp.AddDate(0, 0, 1) }

	completed, err := tr.ProcessExpired(ctx, fixedPrices(160))
	if err != nil {
		t.Fatalf("ProcessExpired: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("completed %d records, want 1", len(completed))
	}
	got := completed[0]
	if got.FinalPnL != 8 || got.Result != OutcomeProfit || got.Status != StatusCompleted {
		t.Fatalf("completed record = (%.2f, %s, %s), want (8.00, profit, completed)",
			got.FinalPnL, got.Result, got.Status)
	}
	if len(tr.Active()) != 0 {
		t.Fatal("settled record still tracked")
	}

	stored := store.get("s1")
	if stored == nil || stored.Status != StatusCompleted || stored.ExitPrice != 160 {
		t.Fatalf("stored record = %+v, want completed at 160", stored)
	}

	// A second pass finds nothing left to settle.
	completed, err = tr.ProcessExpired(ctx, fixedPrices(160))
	if err != nil {
		t.Fatalf("ProcessExpired: %v", err)
	}
	if len(completed) != 0 {
		t.Fatalf("second pass completed %d records, want 0", len(completed))
	}
}

func TestProcessExpiredNilPrices(t *testing.T) {
	tr := NewTracker(newMemStore(), testLogger())
	if _, err := tr.ProcessExpired(context.Background(), nil); err == nil {
		t.Fatal("ProcessExpired accepted nil price source")
	}
}

func TestProcessExpiredPriceLookupFailureKeepsActive(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, testLogger())
	ctx := context.Background()

	exp := time.Date(2024, 6, 21, 16, 0, 0, 0, time.UTC)
	if err := tr.Add(ctx, callDebitRecord("s1", exp)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	tr.now = func() time.Time { return exp.AddDate(0, 0, 1) }

	failing := func(string) (float64, error) { return 0, errors.New("feed down") }
	completed, err := tr.ProcessExpired(ctx, failing)
	if err != nil {
		t.Fatalf("ProcessExpired: %v", err)
	}
	if len(completed) != 0 {
		t.Fatalf("completed %d records despite lookup failure", len(completed))
	}
	if len(tr.Active()) != 1 {
		t.Fatal("record dropped after failed price lookup")
	}

	// The next cycle settles it once the feed recovers.
	completed, err = tr.ProcessExpired(ctx, fixedPrices(160))
	if err != nil {
		t.Fatalf("ProcessExpired: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("completed %d records after recovery, want 1", len(completed))
	}
}

func TestProcessExpiredSettlementWriteFailureKeepsActive(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, testLogger())
	ctx := context.Background()

	exp := time.Date(2024, 6, 21, 16, 0, 0, 0, time.UTC)
	if err := tr.Add(ctx, callDebitRecord("s1", exp)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	tr.now = func() time.Time { return exp.AddDate(0, 0, 1) }

	store.failSettle = true
	completed, err := tr.ProcessExpired(ctx, fixedPrices(160))
	if err != nil {
		t.Fatalf("ProcessExpired: %v", err)
	}
	if len(completed) != 0 || len(tr.Active()) != 1 {
		t.Fatal("record lost after failed settlement write")
	}

	store.failSettle = false
	completed, err = tr.ProcessExpired(ctx, fixedPrices(160))
	if err != nil {
		t.Fatalf("ProcessExpired: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("completed %d records after store recovery, want 1", len(completed))
	}
}

func TestTrackerClose(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, testLogger())
	ctx := context.Background()

	if err := tr.Add(ctx, callDebitRecord("s1", time.Now().AddDate(0, 1, 0))); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tr.Close(ctx, "s1", "manual exit"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(tr.Active()) != 0 {
		t.Fatal("closed record still tracked")
	}
	if got := store.get("s1"); got == nil || got.Status != StatusClosed {
		t.Fatalf("stored status = %v, want %s", got, StatusClosed)
	}

	if err := tr.Close(ctx, "s1", "again"); err == nil {
		t.Fatal("Close succeeded for untracked record")
	}
}

func TestTrackerCloseStoreFailureRetracks(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, testLogger())
	ctx := context.Background()

	if err := tr.Add(ctx, callDebitRecord("s1", time.Now().AddDate(0, 1, 0))); err != nil {
		t.Fatalf("Add: %v", err)
	}
	store.failStatus = true
	if err := tr.Close(ctx, "s1", "manual exit"); err == nil {
		t.Fatal("Close succeeded despite store failure")
	}
	if len(tr.Active()) != 1 {
		t.Fatal("record lost after failed close")
	}
}

func TestLoadActive(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	exp := time.Date(2024, 9, 20, 16, 0, 0, 0, time.UTC)
	active := callDebitRecord("active", exp)
	done := callDebitRecord("done", exp)
	done.Status = StatusCompleted
	store.UpsertStrategy(ctx, active)
	store.UpsertStrategy(ctx, done)

	tr := NewTracker(store, testLogger())
	n, err := tr.LoadActive(ctx)
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if n != 1 {
		t.Fatalf("LoadActive loaded %d records, want 1", n)
	}
	recs := tr.Active()
	if len(recs) != 1 || recs[0].ID != "active" {
		t.Fatalf("Active() = %+v, want the one active record", recs)
	}
}

func TestLoadActiveStoreFailure(t *testing.T) {
	store := newMemStore()
	store.failList = true
	tr := NewTracker(store, testLogger())
	if _, err := tr.LoadActive(context.Background()); err == nil {
		t.Fatal("LoadActive succeeded despite store failure")
	}
}

func TestTrackerConcurrentAddAndProcess(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, testLogger())
	ctx := context.Background()

	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exp := now.AddDate(0, 0, -1)
			if i%2 == 0 {
				exp = now.AddDate(0, 1, 0)
			}
			rec := callDebitRecord(fmt.Sprintf("s%d", i), exp)
			if err := tr.Add(ctx, rec); err != nil {
				t.Errorf("Add: %v", err)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			if _, err := tr.ProcessExpired(ctx, fixedPrices(160)); err != nil {
				t.Errorf("ProcessExpired: %v", err)
			}
		}
	}()
	wg.Wait()

	// A final pass settles whatever was added after the last cycle.
	if _, err := tr.ProcessExpired(ctx, fixedPrices(160)); err != nil {
		t.Fatalf("ProcessExpired: %v", err)
	}
	if got := len(tr.Active()); got != n/2 {
		t.Fatalf("Active() = %d records, want %d unexpired", got, n/2)
	}
}

func TestMonitoringLifecycle(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, testLogger())
	ctx := context.Background()

	exp := time.Date(2024, 6, 21, 16, 0, 0, 0, time.UTC)
	if err := tr.Add(ctx, callDebitRecord("s1", exp)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	tr.now = func() time.Time { return exp.AddDate(0, 0, 1) }

	completedCh := make(chan []StrategyRecord, 1)
	id := tr.AddCallback(func(completed []StrategyRecord) {
		select {
		case completedCh <- completed:
		default:
		}
	})
	defer tr.RemoveCallback(id)

	tr.StartMonitoring(10*time.Millisecond, fixedPrices(160))
	tr.StartMonitoring(10*time.Millisecond, fixedPrices(160)) // no-op

	select {
	case completed := <-completedCh:
		if len(completed) != 1 || completed[0].FinalPnL != 8 {
			t.Fatalf("callback got %+v, want one record with pnl 8", completed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitoring loop never settled the expired record")
	}

	tr.StopMonitoring()
	tr.StopMonitoring() // no-op
}

func TestMonitoringSurvivesCallbackPanic(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, testLogger())
	ctx := context.Background()

	exp := time.Date(2024, 6, 21, 16, 0, 0, 0, time.UTC)
	for _, id := range []string{"s1", "s2"} {
		if err := tr.Add(ctx, callDebitRecord(id, exp)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	tr.now = func() time.Time { return exp.AddDate(0, 0, 1) }

	tr.AddCallback(func([]StrategyRecord) { panic("boom") })
	got := make(chan int, 1)
	tr.AddCallback(func(completed []StrategyRecord) {
		select {
		case got <- len(completed):
		default:
		}
	})

	tr.StartMonitoring(10*time.Millisecond, fixedPrices(160))
	defer tr.StopMonitoring()

	select {
	case n := <-got:
		if n != 2 {
			t.Fatalf("callback got %d records, want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("surviving callback never ran")
	}
}

func TestMonitoringBackoffOnError(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, testLogger())
	tr.errorBackoff = 10 * time.Millisecond

	// nil price source makes every cycle fail; the loop must keep
	// running and still stop cleanly.
	tr.StartMonitoring(10*time.Millisecond, nil)
	time.Sleep(50 * time.Millisecond)
	tr.StopMonitoring()
}
