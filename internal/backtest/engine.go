package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"spreadlab/internal/spread"
)

// UnsupportedStrategyError reports a strategy kind the engine does not
// accept at the commitment stage.
type UnsupportedStrategyError struct {
	Kind spread.Kind
}

func (e *UnsupportedStrategyError) Error() string {
	return fmt.Sprintf("unsupported strategy kind %q", e.Kind)
}

// AddStrategyParams are the domain-level inputs for committing a spread
// to the backtest.
type AddStrategyParams struct {
	Symbol         string
	Kind           spread.Kind
	EntryPrice     float64
	LowerStrike    float64
	UpperStrike    float64
	LowerPremium   float64
	UpperPremium   float64
	Contracts      int
	Expiration     time.Time
	MarketAnalysis map[string]string
}

// EngineStatus is a point-in-time snapshot of the engine.
type EngineStatus struct {
	Running        bool
	ActiveCount    int
	CompletedCount int
	Summary        StoreSummary
	LastCheck      time.Time
}

// Engine coordinates the tracker, store, and analyzer behind a
// session-oriented API. Construct one per process and inject it where
// needed; it owns no global state.
type Engine struct {
	store    StrategyStore
	tracker  *Tracker
	analyzer *Analyzer
	prices   PriceFunc
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	cbID    int
	hasCB   bool

	// OnCompleted, if set before StartMonitoring, is invoked with each
	// cycle's completed records on the monitoring goroutine.
	OnCompleted func(completed []StrategyRecord)
}

// NewEngine wires an Engine with its dependencies. prices may be nil
// if monitoring is never started.
func NewEngine(store StrategyStore, prices PriceFunc, log *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		tracker:  NewTracker(store, log),
		analyzer: NewAnalyzer(),
		prices:   prices,
		log:      log.With("component", "engine"),
	}
}

// Tracker exposes the underlying tracker for direct registry access.
func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

// AddStrategy validates the spread parameters, computes its cost
// structure, and hands an active record to the tracker. Only debit
// spreads are accepted at the commitment stage. Returns the new
// record's ID.
func (e *Engine) AddStrategy(ctx context.Context, p AddStrategyParams) (string, error) {
	if p.Kind != spread.CallDebit && p.Kind != spread.PutDebit {
		return "", &UnsupportedStrategyError{Kind: p.Kind}
	}

	// Reuse spread construction for strike/premium validation.
	vs, err := spread.New(p.Kind, p.LowerStrike, p.UpperStrike, p.LowerPremium, p.UpperPremium, p.Expiration)
	if err != nil {
		return "", err
	}
	if p.Contracts <= 0 {
		return "", &spread.InvalidSpreadError{Reason: "contracts must be positive"}
	}
	netDebit := vs.NetPremium()
	if netDebit <= 0 {
		return "", &spread.InvalidSpreadError{Reason: "debit spread must cost net premium at entry"}
	}

	contracts := float64(p.Contracts)
	now := time.Now()
	record := &StrategyRecord{
		ID:             uuid.NewString(),
		Symbol:         p.Symbol,
		Kind:           p.Kind,
		EntryDate:      now,
		ExpirationDate: p.Expiration,
		EntryPrice:     p.EntryPrice,
		LowerStrike:    p.LowerStrike,
		UpperStrike:    p.UpperStrike,
		LowerPremium:   p.LowerPremium,
		UpperPremium:   p.UpperPremium,
		Contracts:      p.Contracts,
		InitialCost:    netDebit * contracts,
		MaxProfit:      (p.UpperStrike - p.LowerStrike - netDebit) * contracts,
		MaxLoss:        netDebit * contracts,
		Status:         StatusActive,
		MarketAnalysis: p.MarketAnalysis,
		CreatedAt:      now,
	}

	if err := e.tracker.Add(ctx, record); err != nil {
		return "", err
	}
	e.log.Info("strategy committed",
		"id", record.ID, "symbol", record.Symbol, "kind", record.Kind,
		"cost", record.InitialCost, "expires", record.ExpirationDate)
	return record.ID, nil
}

// StartMonitoring reloads previously active records from the store and
// starts the tracker's polling loop, so tracking survives process
// restarts.
func (e *Engine) StartMonitoring(ctx context.Context, interval time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if e.prices == nil {
		return fmt.Errorf("starting monitoring: no price source configured")
	}

	n, err := e.tracker.LoadActive(ctx)
	if err != nil {
		return err
	}
	if e.OnCompleted != nil && !e.hasCB {
		e.cbID = e.tracker.AddCallback(e.OnCompleted)
		e.hasCB = true
	}
	e.tracker.StartMonitoring(interval, e.prices)
	e.running = true
	e.log.Info("automated backtesting started", "active", n)
	return nil
}

// StopMonitoring stops the polling loop. Safe to call when not running.
func (e *Engine) StopMonitoring() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.tracker.StopMonitoring()
	if e.hasCB {
		e.tracker.RemoveCallback(e.cbID)
		e.hasCB = false
	}
	e.running = false
	e.log.Info("automated backtesting stopped")
}

// ManualCheck synchronously runs one expiration-processing pass outside
// the polling interval.
func (e *Engine) ManualCheck(ctx context.Context) ([]StrategyRecord, error) {
	return e.tracker.ProcessExpired(ctx, e.prices)
}

// CloseStrategy removes an active strategy before expiration and
// records why.
func (e *Engine) CloseStrategy(ctx context.Context, id, reason string) error {
	return e.tracker.Close(ctx, id, reason)
}

// ActiveStrategies returns a snapshot of currently tracked records.
func (e *Engine) ActiveStrategies() []StrategyRecord {
	return e.tracker.Active()
}

// CompletedStrategies returns up to limit completed records from the
// store, newest exit first.
func (e *Engine) CompletedStrategies(ctx context.Context, limit int) ([]StrategyRecord, error) {
	return e.store.ListCompleted(ctx, limit)
}

// PerformanceReport builds the analyzer report over the most recent
// completed records.
func (e *Engine) PerformanceReport(ctx context.Context, limit int) (Report, error) {
	records, err := e.store.ListCompleted(ctx, limit)
	if err != nil {
		return Report{}, fmt.Errorf("loading completed strategies: %w", err)
	}
	return e.analyzer.Report(records), nil
}

// CreateSession persists a new empty session snapshot and returns its ID.
func (e *Engine) CreateSession(ctx context.Context, name string, settings map[string]string) (string, error) {
	session := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		StartDate: time.Now(),
		Settings:  settings,
	}
	if err := e.store.SaveSession(ctx, session); err != nil {
		return "", fmt.Errorf("saving session: %w", err)
	}
	e.log.Info("session created", "id", session.ID, "name", name)
	return session.ID, nil
}

// CompleteSession snapshots all completed records known to the store,
// computes their metrics, and persists the finished session.
func (e *Engine) CompleteSession(ctx context.Context, sessionID string) error {
	records, err := e.store.ListCompleted(ctx, 0)
	if err != nil {
		return fmt.Errorf("loading completed strategies: %w", err)
	}
	session := &Session{
		ID:          sessionID,
		Name:        fmt.Sprintf("Session %.8s", sessionID),
		StartDate:   time.Now().AddDate(0, -1, 0),
		EndDate:     time.Now(),
		Strategies:  records,
		Performance: e.analyzer.Metrics(records),
	}
	if err := e.store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("saving session %s: %w", sessionID, err)
	}
	return nil
}

// Status reports the engine's current state for operator inspection.
func (e *Engine) Status(ctx context.Context) (EngineStatus, error) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	summary, err := e.store.Summary(ctx)
	if err != nil {
		return EngineStatus{}, fmt.Errorf("loading summary: %w", err)
	}
	return EngineStatus{
		Running:        running,
		ActiveCount:    len(e.tracker.Active()),
		CompletedCount: summary.TotalTrades,
		Summary:        summary,
		LastCheck:      time.Now(),
	}, nil
}
