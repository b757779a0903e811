package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"spreadlab/internal/spread"
)

// Callback receives the records completed in one processing cycle.
// Callbacks run on the monitoring goroutine; a panicking callback is
// isolated from other callbacks and from the loop.
type Callback func(completed []StrategyRecord)

// Tracker owns the in-memory set of active strategies and the
// background loop that settles them at expiration. The active map is
// the only shared mutable state; mu guards insertion, removal, and
// iteration. Store and price-source I/O happens outside the lock.
type Tracker struct {
	store StrategyStore
	log   *slog.Logger

	mu     sync.Mutex
	active map[string]*StrategyRecord

	cbMu      sync.Mutex
	nextCBID  int
	callbacks map[int]Callback

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	// errorBackoff is how long the loop waits after a failed cycle
	// before retrying. Overridable in tests.
	errorBackoff time.Duration

	// now is stubbed in tests.
	now func() time.Time
}

// NewTracker creates a Tracker persisting through the given store.
func NewTracker(store StrategyStore, log *slog.Logger) *Tracker {
	return &Tracker{
		store:        store,
		log:          log.With("component", "tracker"),
		active:       make(map[string]*StrategyRecord),
		callbacks:    make(map[int]Callback),
		errorBackoff: time.Minute,
		now:          time.Now,
	}
}

// Add persists the record and begins tracking it. If the store write
// fails the record is not tracked and the error is returned.
func (t *Tracker) Add(ctx context.Context, record *StrategyRecord) error {
	if err := t.store.UpsertStrategy(ctx, record); err != nil {
		return fmt.Errorf("persisting strategy %s: %w", record.ID, err)
	}

	cp := *record
	t.mu.Lock()
	t.active[cp.ID] = &cp
	t.mu.Unlock()
	return nil
}

// Close removes a record from tracking and persists the closed status,
// so a restart does not reload it as still active.
func (t *Tracker) Close(ctx context.Context, id, reason string) error {
	t.mu.Lock()
	rec, ok := t.active[id]
	if ok {
		delete(t.active, id)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("strategy %s is not tracked", id)
	}

	if err := t.store.UpdateStatus(ctx, id, StatusClosed); err != nil {
		// Re-track so the record is not silently lost.
		t.mu.Lock()
		t.active[id] = rec
		t.mu.Unlock()
		return fmt.Errorf("closing strategy %s: %w", id, err)
	}
	t.log.Info("strategy closed", "id", id, "reason", reason)
	return nil
}

// Active returns a snapshot copy of all tracked records.
func (t *Tracker) Active() []StrategyRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StrategyRecord, 0, len(t.active))
	for _, rec := range t.active {
		out = append(out, *rec)
	}
	return out
}

// Expired returns copies of the tracked records whose expiration date
// is at or before now.
func (t *Tracker) Expired(now time.Time) []StrategyRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []StrategyRecord
	for _, rec := range t.active {
		if !rec.ExpirationDate.After(now) {
			out = append(out, *rec)
		}
	}
	return out
}

// LoadActive replaces the in-memory set with the store's pending and
// active records, so tracking survives a process restart. Returns the
// number of records loaded.
func (t *Tracker) LoadActive(ctx context.Context) (int, error) {
	records, err := t.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading active strategies: %w", err)
	}

	t.mu.Lock()
	t.active = make(map[string]*StrategyRecord, len(records))
	for i := range records {
		rec := records[i]
		t.active[rec.ID] = &rec
	}
	t.mu.Unlock()
	return len(records), nil
}

// Settle computes a record's final P&L at the given settlement price.
// An unrecognized strategy kind settles flat at breakeven rather than
// failing, so one bad record cannot block the monitoring cycle.
func (t *Tracker) Settle(record *StrategyRecord, price float64) (pnl float64, result Outcome, reason string) {
	switch record.Kind {
	case spread.CallDebit:
		switch {
		case price >= record.UpperStrike:
			return record.MaxProfit, OutcomeProfit, "price at or above upper strike - max profit"
		case price <= record.LowerStrike:
			return -record.MaxLoss, OutcomeLoss, "price at or below lower strike - max loss"
		default:
			intrinsic := price - record.LowerStrike
			pnl = (intrinsic - record.InitialCost/float64(record.Contracts)) * float64(record.Contracts)
			return pnl, outcomeForPnL(pnl), midRangeReason(pnl)
		}
	case spread.PutDebit:
		switch {
		case price <= record.LowerStrike:
			return record.MaxProfit, OutcomeProfit, "price at or below lower strike - max profit"
		case price >= record.UpperStrike:
			return -record.MaxLoss, OutcomeLoss, "price at or above upper strike - max loss"
		default:
			intrinsic := record.UpperStrike - price
			pnl = (intrinsic - record.InitialCost/float64(record.Contracts)) * float64(record.Contracts)
			return pnl, outcomeForPnL(pnl), midRangeReason(pnl)
		}
	default:
		return 0, OutcomeBreakeven, fmt.Sprintf("unknown strategy kind %q - settled flat", record.Kind)
	}
}

func outcomeForPnL(pnl float64) Outcome {
	switch {
	case pnl > 0:
		return OutcomeProfit
	case pnl < 0:
		return OutcomeLoss
	default:
		return OutcomeBreakeven
	}
}

func midRangeReason(pnl float64) string {
	switch {
	case pnl > 0:
		return "price between strikes - partial profit"
	case pnl < 0:
		return "price between strikes - partial loss"
	default:
		return "price at breakeven point"
	}
}

// ProcessExpired settles every currently expired record: it looks up a
// settlement price, computes final P&L, persists the settlement, and
// removes the record from tracking. A record whose price lookup or
// store write fails stays active and is retried next cycle. All
// removals are applied in one lock acquisition, so a concurrent Add
// lands entirely before or after this cycle's removals.
func (t *Tracker) ProcessExpired(ctx context.Context, prices PriceFunc) ([]StrategyRecord, error) {
	if prices == nil {
		return nil, errors.New("no price source configured")
	}

	expired := t.Expired(t.now())
	if len(expired) == 0 {
		return nil, nil
	}

	var completed []StrategyRecord
	for i := range expired {
		rec := expired[i]

		price, err := prices(rec.Symbol)
		if err != nil {
			t.log.Warn("price lookup failed, keeping strategy active",
				"id", rec.ID, "symbol", rec.Symbol, "error", err)
			continue
		}

		pnl, result, reason := t.Settle(&rec, price)
		settlement := Settlement{
			ExitPrice: price,
			ExitDate:  t.now(),
			FinalPnL:  pnl,
			Result:    result,
			Reason:    reason,
		}
		if err := t.store.UpdateSettlement(ctx, rec.ID, settlement); err != nil {
			t.log.Warn("settlement write failed, keeping strategy active",
				"id", rec.ID, "error", err)
			continue
		}

		rec.ExitPrice = settlement.ExitPrice
		rec.ExitDate = settlement.ExitDate
		rec.FinalPnL = settlement.FinalPnL
		rec.Result = settlement.Result
		rec.ExitReason = settlement.Reason
		rec.Status = StatusCompleted
		completed = append(completed, rec)

		t.log.Info("strategy settled",
			"id", rec.ID, "symbol", rec.Symbol, "pnl", pnl, "result", result)
	}

	if len(completed) > 0 {
		t.mu.Lock()
		for i := range completed {
			delete(t.active, completed[i].ID)
		}
		t.mu.Unlock()
	}
	return completed, nil
}

// StartMonitoring launches the background polling loop. Calling it
// while the loop is already running is a no-op.
func (t *Tracker) StartMonitoring(interval time.Duration, prices PriceFunc) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-t.stop
		cancel()
	}()
	go t.monitorLoop(ctx, interval, prices, t.stop, t.done)
	t.log.Info("monitoring started", "interval", interval)
}

// StopMonitoring signals the loop to exit and waits up to five seconds
// for it to finish its current cycle. It never force-kills the loop.
func (t *Tracker) StopMonitoring() {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if !t.running {
		return
	}
	close(t.stop)
	select {
	case <-t.done:
	case <-time.After(5 * time.Second):
		t.log.Warn("monitor loop did not stop within timeout")
	}
	t.running = false
	t.log.Info("monitoring stopped")
}

// monitorLoop runs processing cycles on the given interval until stop
// is closed. A failed cycle waits errorBackoff instead of interval, so
// transient store outages never terminate the loop.
func (t *Tracker) monitorLoop(ctx context.Context, interval time.Duration, prices PriceFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		wait := interval
		completed, err := t.runCycle(ctx, prices)
		if err != nil {
			t.log.Error("processing cycle failed", "error", err)
			wait = t.errorBackoff
		} else if len(completed) > 0 {
			t.notify(completed)
		}

		select {
		case <-stop:
			return
		case <-time.After(wait):
		}
	}
}

// runCycle executes one ProcessExpired pass, converting panics from
// settlement logic into a cycle error.
func (t *Tracker) runCycle(ctx context.Context, prices PriceFunc) (completed []StrategyRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return t.ProcessExpired(ctx, prices)
}

// AddCallback registers a completion callback and returns its
// subscription ID.
func (t *Tracker) AddCallback(cb Callback) int {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	id := t.nextCBID
	t.nextCBID++
	t.callbacks[id] = cb
	return id
}

// RemoveCallback deregisters the callback with the given ID.
func (t *Tracker) RemoveCallback(id int) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	delete(t.callbacks, id)
}

// notify dispatches completed records to every callback, recovering
// from individual callback panics.
func (t *Tracker) notify(completed []StrategyRecord) {
	t.cbMu.Lock()
	cbs := make([]Callback, 0, len(t.callbacks))
	for _, cb := range t.callbacks {
		cbs = append(cbs, cb)
	}
	t.cbMu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.log.Error("completion callback panicked", "panic", r)
				}
			}()
			cb(completed)
		}()
	}
}
