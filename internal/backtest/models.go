// Package backtest tracks hypothetical vertical-spread positions
// through expiration and aggregates their results: a concurrent
// expiration monitor, settlement math, and performance analytics.
package backtest

import (
	"context"
	"time"

	"spreadlab/internal/spread"
)

// Status is the lifecycle state of a tracked strategy. Completion is
// monotonic: a completed record never returns to active.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusClosed    Status = "closed"
)

// Outcome classifies a settled strategy's final P&L.
type Outcome string

const (
	OutcomeProfit    Outcome = "profit"
	OutcomeLoss      Outcome = "loss"
	OutcomeBreakeven Outcome = "breakeven"
)

// StrategyRecord is the persisted unit of backtesting: one committed
// spread position and, once settled, its result. InitialCost, MaxProfit,
// and MaxLoss are total dollars across all contracts; MaxLoss is stored
// as a non-negative magnitude.
type StrategyRecord struct {
	ID             string
	Symbol         string
	Kind           spread.Kind
	EntryDate      time.Time
	ExpirationDate time.Time
	EntryPrice     float64
	LowerStrike    float64
	UpperStrike    float64
	LowerPremium   float64
	UpperPremium   float64
	Contracts      int
	InitialCost    float64
	MaxProfit      float64
	MaxLoss        float64
	Status         Status
	MarketAnalysis map[string]string
	CreatedAt      time.Time

	// Completion fields, zero until the record settles.
	ExitPrice  float64
	ExitDate   time.Time
	FinalPnL   float64
	Result     Outcome
	ExitReason string
	Notes      string
}

// HoldingDays returns the whole days between entry and exit, or 0 if
// the record has not settled.
func (r *StrategyRecord) HoldingDays() float64 {
	if r.ExitDate.IsZero() {
		return 0
	}
	return r.ExitDate.Sub(r.EntryDate).Hours() / 24
}

// Settlement carries the completion fields written to the store when a
// record expires or is force-settled.
type Settlement struct {
	ExitPrice float64
	ExitDate  time.Time
	FinalPnL  float64
	Result    Outcome
	Reason    string
}

// PerformanceMetrics aggregates a set of completed records. Derived on
// demand, never authoritative. ProfitFactor is +Inf only when there are
// profits and exactly zero losses, and 0 for an empty input set.
type PerformanceMetrics struct {
	TotalTrades          int
	WinningTrades        int
	LosingTrades         int
	BreakevenTrades      int
	WinRate              float64 // percent
	TotalProfit          float64
	TotalLoss            float64 // magnitude
	NetPnL               float64
	AverageProfit        float64
	AverageLoss          float64
	ProfitFactor         float64
	MaxDrawdown          float64 // percent decline from running peak
	SharpeRatio          float64
	AverageHoldingPeriod float64 // days
}

// Session is a snapshot artifact: the records and metrics of one
// backtesting run, created once and saved.
type Session struct {
	ID          string
	Name        string
	StartDate   time.Time
	EndDate     time.Time
	Strategies  []StrategyRecord
	Performance PerformanceMetrics
	Settings    map[string]string
}

// StoreSummary is the headline aggregate the store computes over all
// completed records.
type StoreSummary struct {
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	BreakevenTrades int
	WinRate         float64
	TotalPnL        float64
	AveragePnL      float64
}

// PriceFunc resolves a symbol to its current price. Implementations may
// block and may fail; a failed lookup leaves the affected record active
// for the next cycle.
type PriceFunc func(symbol string) (float64, error)

// StrategyStore is the durable storage contract the tracker and engine
// depend on. Implementations must be safe for concurrent use from the
// monitoring goroutine and caller goroutines.
type StrategyStore interface {
	// UpsertStrategy inserts or replaces the full record keyed by ID.
	UpsertStrategy(ctx context.Context, record *StrategyRecord) error

	// GetStrategy returns the record with the given ID, or nil if absent.
	GetStrategy(ctx context.Context, id string) (*StrategyRecord, error)

	// ListActive returns records in pending or active status, newest first.
	ListActive(ctx context.Context) ([]StrategyRecord, error)

	// ListCompleted returns up to limit completed records ordered by
	// exit date descending. A limit <= 0 means no limit.
	ListCompleted(ctx context.Context, limit int) ([]StrategyRecord, error)

	// UpdateSettlement writes the completion fields and transitions the
	// record to completed status. Keyed by ID, so a repeated settlement
	// attempt is a harmless overwrite, never a double-counted trade.
	UpdateSettlement(ctx context.Context, id string, s Settlement) error

	// UpdateStatus transitions a record's status without touching other
	// fields.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// SaveSession persists a session snapshot with its metrics.
	SaveSession(ctx context.Context, session *Session) error

	// Summary aggregates all completed records.
	Summary(ctx context.Context) (StoreSummary, error)
}
