package backtest

import (
	"math"
	"sort"

	"spreadlab/internal/spread"
)

// Analyzer computes performance metrics and structured reports over a
// snapshot of completed records. It is pure aggregation and holds no
// mutable state.
type Analyzer struct{}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Breakdown is the per-group shape shared by the strategy-kind and
// calendar-month report sections.
type Breakdown struct {
	Total     int
	Wins      int
	Losses    int
	Breakeven int
	TotalPnL  float64
	AvgPnL    float64
	WinRate   float64 // percent
}

// RiskReport summarizes downside characteristics of the trade sample.
type RiskReport struct {
	Volatility           float64 // stddev of per-trade P&L
	VaR95                float64 // 5th percentile of per-trade P&L
	MaxConsecutiveLosses int
	LargestWin           float64
	LargestLoss          float64
	AverageTrade         float64
}

// Report is the full performance report. HasData is false for an empty
// input set, in which case the remaining sections are zero values.
type Report struct {
	HasData bool
	Summary PerformanceMetrics
	ByKind  map[spread.Kind]Breakdown
	ByMonth map[string]Breakdown // keyed "2006-01" by entry date
	Risk    RiskReport
}

// Metrics computes PerformanceMetrics for a set of completed records.
// An empty set yields all-zero metrics with ProfitFactor 0.
func (a *Analyzer) Metrics(records []StrategyRecord) PerformanceMetrics {
	if len(records) == 0 {
		return PerformanceMetrics{}
	}

	var m PerformanceMetrics
	m.TotalTrades = len(records)

	var totalProfit, totalLoss float64
	var profits, losses int
	var holdingDays float64
	var holdingSamples int
	pnls := make([]float64, 0, len(records))

	for i := range records {
		rec := &records[i]
		pnls = append(pnls, rec.FinalPnL)
		switch rec.Result {
		case OutcomeProfit:
			m.WinningTrades++
		case OutcomeLoss:
			m.LosingTrades++
		default:
			m.BreakevenTrades++
		}
		if rec.FinalPnL > 0 {
			totalProfit += rec.FinalPnL
			profits++
		} else if rec.FinalPnL < 0 {
			totalLoss += -rec.FinalPnL
			losses++
		}
		if !rec.ExitDate.IsZero() {
			holdingDays += rec.HoldingDays()
			holdingSamples++
		}
	}

	m.WinRate = round2(float64(m.WinningTrades) / float64(m.TotalTrades) * 100)
	m.TotalProfit = round2(totalProfit)
	m.TotalLoss = round2(totalLoss)
	m.NetPnL = round2(totalProfit - totalLoss)
	if profits > 0 {
		m.AverageProfit = round2(totalProfit / float64(profits))
	}
	if losses > 0 {
		m.AverageLoss = round2(-totalLoss / float64(losses))
	}
	m.ProfitFactor = profitFactor(totalProfit, totalLoss)
	m.MaxDrawdown = round2(maxDrawdown(cumulativePnL(records)))
	m.SharpeRatio = round2(sharpeRatio(pnls))
	if holdingSamples > 0 {
		m.AverageHoldingPeriod = math.Round(holdingDays/float64(holdingSamples)*10) / 10
	}
	return m
}

// Report builds the full structured report. Given no records it returns
// {HasData: false} instead of degenerate statistics.
func (a *Analyzer) Report(records []StrategyRecord) Report {
	if len(records) == 0 {
		return Report{}
	}
	return Report{
		HasData: true,
		Summary: a.Metrics(records),
		ByKind:  a.kindBreakdown(records),
		ByMonth: a.monthBreakdown(records),
		Risk:    a.riskReport(records),
	}
}

func (a *Analyzer) kindBreakdown(records []StrategyRecord) map[spread.Kind]Breakdown {
	groups := make(map[spread.Kind][]StrategyRecord)
	for _, rec := range records {
		groups[rec.Kind] = append(groups[rec.Kind], rec)
	}
	out := make(map[spread.Kind]Breakdown, len(groups))
	for kind, recs := range groups {
		out[kind] = breakdown(recs)
	}
	return out
}

func (a *Analyzer) monthBreakdown(records []StrategyRecord) map[string]Breakdown {
	groups := make(map[string][]StrategyRecord)
	for _, rec := range records {
		key := rec.EntryDate.Format("2006-01")
		groups[key] = append(groups[key], rec)
	}
	out := make(map[string]Breakdown, len(groups))
	for month, recs := range groups {
		out[month] = breakdown(recs)
	}
	return out
}

func breakdown(records []StrategyRecord) Breakdown {
	var b Breakdown
	for i := range records {
		b.Total++
		b.TotalPnL += records[i].FinalPnL
		switch records[i].Result {
		case OutcomeProfit:
			b.Wins++
		case OutcomeLoss:
			b.Losses++
		default:
			b.Breakeven++
		}
	}
	if b.Total > 0 {
		b.WinRate = round2(float64(b.Wins) / float64(b.Total) * 100)
		b.AvgPnL = round2(b.TotalPnL / float64(b.Total))
	}
	b.TotalPnL = round2(b.TotalPnL)
	return b
}

func (a *Analyzer) riskReport(records []StrategyRecord) RiskReport {
	pnls := make([]float64, len(records))
	largestWin := math.Inf(-1)
	largestLoss := math.Inf(1)
	var sum float64
	for i := range records {
		pnls[i] = records[i].FinalPnL
		sum += pnls[i]
		if pnls[i] > largestWin {
			largestWin = pnls[i]
		}
		if pnls[i] < largestLoss {
			largestLoss = pnls[i]
		}
	}
	return RiskReport{
		Volatility:           round2(stdDev(pnls)),
		VaR95:                round2(percentile(pnls, 5)),
		MaxConsecutiveLosses: maxConsecutiveLosses(records),
		LargestWin:           round2(largestWin),
		LargestLoss:          round2(largestLoss),
		AverageTrade:         round2(sum / float64(len(pnls))),
	}
}

// cumulativePnL walks records ordered by entry date and returns the
// running total of final P&L.
func cumulativePnL(records []StrategyRecord) []float64 {
	ordered := make([]StrategyRecord, len(records))
	copy(ordered, records)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].EntryDate.Before(ordered[j].EntryDate)
	})

	out := make([]float64, len(ordered))
	var cum float64
	for i := range ordered {
		cum += ordered[i].FinalPnL
		out[i] = cum
	}
	return out
}

// maxDrawdown returns the largest percent decline from the running
// peak of the cumulative P&L curve. A non-positive peak contributes no
// drawdown, avoiding division by a non-positive base.
func maxDrawdown(cumulative []float64) float64 {
	if len(cumulative) == 0 {
		return 0
	}
	peak := cumulative[0]
	var maxDD float64
	for _, v := range cumulative {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak * 100; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// sharpeRatio is mean over population standard deviation of per-trade
// P&L, with zero risk-free rate. Fewer than 2 samples or zero variance
// gives 0.
func sharpeRatio(pnls []float64) float64 {
	if len(pnls) < 2 {
		return 0
	}
	sd := stdDev(pnls)
	if sd == 0 {
		return 0
	}
	return mean(pnls) / sd
}

// maxConsecutiveLosses scans records ordered by entry date and returns
// the longest run of LOSS outcomes.
func maxConsecutiveLosses(records []StrategyRecord) int {
	ordered := make([]StrategyRecord, len(records))
	copy(ordered, records)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].EntryDate.Before(ordered[j].EntryDate)
	})

	var longest, current int
	for i := range ordered {
		if ordered[i].Result == OutcomeLoss {
			current++
			if current > longest {
				longest = current
			}
		} else {
			current = 0
		}
	}
	return longest
}

// percentile returns the p-th percentile of values using linear
// interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the population standard deviation.
func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

func profitFactor(totalProfit, totalLoss float64) float64 {
	if totalLoss == 0 {
		if totalProfit > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return round2(totalProfit / totalLoss)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
