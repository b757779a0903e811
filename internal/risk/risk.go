// Package risk tracks open spread positions against stop-loss,
// take-profit, and time-to-expiration thresholds, raising alerts as
// P&L moves through them.
package risk

import (
	"fmt"
	"sync"
	"time"
)

// Level grades how close a position is to its worst case.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// AlertKind identifies which threshold an alert fired on.
type AlertKind string

const (
	AlertStopLoss   AlertKind = "stop_loss"
	AlertTakeProfit AlertKind = "take_profit"
	AlertDTEWarning AlertKind = "dte_warning"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive AlertStatus = "active"
	AlertClosed AlertStatus = "closed"
)

// Defaults applied when a caller does not supply thresholds: exit at
// half the maximum loss, take profit at three quarters of the maximum
// gain, and warn three weeks before expiration.
const (
	DefaultStopLossPct   = 50.0
	DefaultTakeProfitPct = 75.0
	DefaultDTEAlert      = 21
)

// Levels are the computed dollar thresholds for one position.
type Levels struct {
	StopLossUSD   float64
	TakeProfitUSD float64
	StopLossPct   float64
	TakeProfitPct float64
	DTEAlert      int
	MaxLossUSD    float64
	MaxProfitUSD  float64
}

// ComputeLevels derives dollar thresholds from a position's maximum
// profit and loss. slPct and tpPct are percentages of those maxima;
// non-positive values fall back to the defaults.
func ComputeLevels(maxProfit, maxLoss, slPct, tpPct float64, dteAlert int) Levels {
	if slPct <= 0 {
		slPct = DefaultStopLossPct
	}
	if tpPct <= 0 {
		tpPct = DefaultTakeProfitPct
	}
	if dteAlert <= 0 {
		dteAlert = DefaultDTEAlert
	}
	return Levels{
		StopLossUSD:   maxLoss * slPct / 100,
		TakeProfitUSD: maxProfit * tpPct / 100,
		StopLossPct:   slPct,
		TakeProfitPct: tpPct,
		DTEAlert:      dteAlert,
		MaxLossUSD:    maxLoss,
		MaxProfitUSD:  maxProfit,
	}
}

// Alert is one threshold crossing.
type Alert struct {
	PositionID     string
	Kind           AlertKind
	Message        string
	Recommendation string
	Status         AlertStatus
	Timestamp      time.Time
	PnLAtAlert     float64
	DTEAtAlert     int
	CloseReason    string
}

// PositionState is a snapshot of one monitored position.
type PositionState struct {
	Symbol       string
	Strategy     string
	PnLUSD       float64
	PnLPct       float64
	DistanceToSL float64
	DistanceToTP float64
	DTERemaining int
	Level        Level
	Alerts       []Alert
	LastUpdated  time.Time
}

type position struct {
	symbol     string
	strategy   string
	levels     Levels
	expiration time.Time
	state      PositionState
}

// Monitor evaluates positions against their risk levels. Safe for
// concurrent use.
type Monitor struct {
	mu        sync.Mutex
	positions map[string]*position
	history   []Alert

	now func() time.Time
}

// NewMonitor creates an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		positions: make(map[string]*position),
		now:       time.Now,
	}
}

// AddPosition registers a position for monitoring. Re-adding an ID
// replaces the previous entry.
func (m *Monitor) AddPosition(id, symbol, strategy string, levels Levels, expiration time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions[id] = &position{
		symbol:     symbol,
		strategy:   strategy,
		levels:     levels,
		expiration: expiration,
		state: PositionState{
			Symbol:       symbol,
			Strategy:     strategy,
			DistanceToSL: levels.StopLossUSD,
			DistanceToTP: levels.TakeProfitUSD,
			DTERemaining: m.dte(expiration),
			Level:        LevelLow,
			LastUpdated:  m.now(),
		},
	}
}

// UpdatePnL records a position's current P&L, regrades its risk level,
// and returns any alerts newly raised by this update. Unknown IDs are
// ignored.
func (m *Monitor) UpdatePnL(id string, pnlUSD float64) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return nil
	}

	var pnlPct float64
	if p.levels.MaxLossUSD > 0 {
		pnlPct = pnlUSD / p.levels.MaxLossUSD * 100
	}

	p.state.PnLUSD = pnlUSD
	p.state.PnLPct = pnlPct
	p.state.DistanceToSL = abs(pnlUSD - (-p.levels.StopLossUSD))
	p.state.DistanceToTP = abs(pnlUSD - p.levels.TakeProfitUSD)
	p.state.DTERemaining = m.dte(p.expiration)
	p.state.Level = gradeLevel(pnlUSD, p.levels)
	p.state.LastUpdated = m.now()

	return m.evaluateAlerts(id, p, pnlUSD)
}

// evaluateAlerts raises threshold alerts, at most one active alert per
// kind per position. Caller holds the lock.
func (m *Monitor) evaluateAlerts(id string, p *position, pnl float64) []Alert {
	var raised []Alert

	add := func(a Alert) {
		p.state.Alerts = append(p.state.Alerts, a)
		m.history = append(m.history, a)
		raised = append(raised, a)
	}

	switch {
	case pnl <= -p.levels.StopLossUSD:
		if !hasActive(p.state.Alerts, AlertStopLoss) {
			add(Alert{
				PositionID:     id,
				Kind:           AlertStopLoss,
				Message:        fmt.Sprintf("stop loss triggered: P&L = $%.2f", pnl),
				Recommendation: "close the position immediately",
				Status:         AlertActive,
				Timestamp:      m.now(),
				PnLAtAlert:     pnl,
			})
		}
	case pnl >= p.levels.TakeProfitUSD && p.levels.TakeProfitUSD > 0:
		if !hasActive(p.state.Alerts, AlertTakeProfit) {
			add(Alert{
				PositionID:     id,
				Kind:           AlertTakeProfit,
				Message:        fmt.Sprintf("take profit triggered: P&L = $%.2f", pnl),
				Recommendation: "consider closing or adjusting the position",
				Status:         AlertActive,
				Timestamp:      m.now(),
				PnLAtAlert:     pnl,
			})
		}
	}

	if dte := p.state.DTERemaining; dte <= p.levels.DTEAlert {
		if !hasActive(p.state.Alerts, AlertDTEWarning) {
			add(Alert{
				PositionID:     id,
				Kind:           AlertDTEWarning,
				Message:        fmt.Sprintf("%d days to expiration", dte),
				Recommendation: "evaluate rolling or closing the position",
				Status:         AlertActive,
				Timestamp:      m.now(),
				DTEAtAlert:     dte,
			})
		}
	}

	return raised
}

// PositionState returns a copy of a position's current state, or nil if
// the ID is not monitored.
func (m *Monitor) PositionState(id string) *PositionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return nil
	}
	state := p.state
	state.Alerts = append([]Alert(nil), p.state.Alerts...)
	return &state
}

// ActivePositions returns the IDs of all monitored positions.
func (m *Monitor) ActivePositions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.positions))
	for id := range m.positions {
		ids = append(ids, id)
	}
	return ids
}

// ClosePosition archives a position's alerts and stops monitoring it.
func (m *Monitor) ClosePosition(id, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return
	}
	for i := range p.state.Alerts {
		if p.state.Alerts[i].Status == AlertActive {
			p.state.Alerts[i].Status = AlertClosed
			p.state.Alerts[i].CloseReason = reason
		}
	}
	delete(m.positions, id)
}

// AlertHistory returns all alerts ever raised, oldest first.
func (m *Monitor) AlertHistory() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.history...)
}

func (m *Monitor) dte(expiration time.Time) int {
	return int(expiration.Sub(m.now()).Hours() / 24)
}

// gradeLevel maps a P&L to a risk level. Deep losses grade worse; large
// unrealized gains also raise the level since they can still revert.
func gradeLevel(pnl float64, levels Levels) Level {
	if pnl < 0 {
		if levels.MaxLossUSD <= 0 {
			return LevelLow
		}
		lossPct := -pnl / levels.MaxLossUSD * 100
		switch {
		case lossPct >= 80:
			return LevelCritical
		case lossPct >= 60:
			return LevelHigh
		case lossPct >= 40:
			return LevelMedium
		default:
			return LevelLow
		}
	}

	if levels.MaxProfitUSD <= 0 {
		return LevelLow
	}
	profitPct := pnl / levels.MaxProfitUSD * 100
	switch {
	case profitPct >= 80:
		return LevelHigh
	case profitPct >= 60:
		return LevelMedium
	default:
		return LevelLow
	}
}

func hasActive(alerts []Alert, kind AlertKind) bool {
	for _, a := range alerts {
		if a.Kind == kind && a.Status == AlertActive {
			return true
		}
	}
	return false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
