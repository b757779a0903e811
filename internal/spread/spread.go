// Package spread models two-leg vertical option spreads and computes
// their expiration economics: payoff curves, breakeven points, max
// profit/loss, and a grid-based profit probability.
package spread

import (
	"fmt"
	"math"
	"time"
)

// OptionClass distinguishes calls from puts.
type OptionClass string

const (
	ClassCall OptionClass = "call"
	ClassPut  OptionClass = "put"
)

// OptionLeg is one leg of a spread. Quantity is +1 for a long leg and
// -1 for a short leg. Legs are values and never mutated after
// construction.
type OptionLeg struct {
	Class      OptionClass
	Strike     float64
	Premium    float64
	Quantity   int
	Expiration time.Time
}

// intrinsic returns the leg's intrinsic value at the given underlying
// price: max(P-K, 0) for calls, max(K-P, 0) for puts.
func (l OptionLeg) intrinsic(price float64) float64 {
	var v float64
	switch l.Class {
	case ClassCall:
		v = price - l.Strike
	case ClassPut:
		v = l.Strike - price
	}
	return math.Max(v, 0)
}

// Kind identifies one of the four vertical spread variants.
type Kind string

const (
	CallDebit  Kind = "call_debit_spread"
	CallCredit Kind = "call_credit_spread"
	PutDebit   Kind = "put_debit_spread"
	PutCredit  Kind = "put_credit_spread"
)

// IsDebit reports whether the variant pays net premium at entry.
func (k Kind) IsDebit() bool {
	return k == CallDebit || k == PutDebit
}

// Class returns the option class used by both legs of the variant.
func (k Kind) Class() OptionClass {
	if k == CallDebit || k == CallCredit {
		return ClassCall
	}
	return ClassPut
}

// DisplayName returns the human-readable strategy name with its
// directional bias.
func (k Kind) DisplayName() string {
	switch k {
	case CallDebit:
		return "Call Debit Spread (Bullish)"
	case CallCredit:
		return "Call Credit Spread (Bearish)"
	case PutDebit:
		return "Put Debit Spread (Bearish)"
	case PutCredit:
		return "Put Credit Spread (Bullish)"
	default:
		return string(k)
	}
}

// InvalidSpreadError reports spread parameters that fail validation.
// No payoff computation runs on an invalid spread.
type InvalidSpreadError struct {
	Reason string
}

func (e *InvalidSpreadError) Error() string {
	return "invalid spread: " + e.Reason
}

// VerticalSpread owns exactly one long and one short leg of the same
// option class and expiration, at different strikes.
type VerticalSpread struct {
	Kind  Kind
	Long  OptionLeg
	Short OptionLeg
}

// New builds a vertical spread of the given kind. lowerPremium and
// upperPremium belong to the lower- and upper-strike legs respectively;
// which leg is long and which is short follows from the kind.
func New(kind Kind, lowerStrike, upperStrike, lowerPremium, upperPremium float64, expiration time.Time) (*VerticalSpread, error) {
	switch kind {
	case CallDebit, CallCredit, PutDebit, PutCredit:
	default:
		return nil, &InvalidSpreadError{Reason: fmt.Sprintf("unknown spread kind %q", kind)}
	}
	if lowerStrike <= 0 || upperStrike <= 0 {
		return nil, &InvalidSpreadError{Reason: "strikes must be positive"}
	}
	if lowerPremium <= 0 || upperPremium <= 0 {
		return nil, &InvalidSpreadError{Reason: "premiums must be positive"}
	}
	if lowerStrike >= upperStrike {
		return nil, &InvalidSpreadError{
			Reason: fmt.Sprintf("lower strike %.2f must be below upper strike %.2f", lowerStrike, upperStrike),
		}
	}

	class := kind.Class()
	lower := OptionLeg{Class: class, Strike: lowerStrike, Premium: lowerPremium, Expiration: expiration}
	upper := OptionLeg{Class: class, Strike: upperStrike, Premium: upperPremium, Expiration: expiration}

	s := &VerticalSpread{Kind: kind}
	switch kind {
	case CallDebit:
		// Long the lower call, short the upper call.
		s.Long, s.Short = lower, upper
	case CallCredit:
		s.Long, s.Short = upper, lower
	case PutDebit:
		// Long the upper put, short the lower put.
		s.Long, s.Short = upper, lower
	case PutCredit:
		s.Long, s.Short = lower, upper
	}
	s.Long.Quantity = 1
	s.Short.Quantity = -1
	return s, nil
}

// NewCallDebit builds a bullish call debit spread.
func NewCallDebit(lowerStrike, upperStrike, lowerPremium, upperPremium float64, expiration time.Time) (*VerticalSpread, error) {
	return New(CallDebit, lowerStrike, upperStrike, lowerPremium, upperPremium, expiration)
}

// NewCallCredit builds a bearish call credit spread.
func NewCallCredit(lowerStrike, upperStrike, lowerPremium, upperPremium float64, expiration time.Time) (*VerticalSpread, error) {
	return New(CallCredit, lowerStrike, upperStrike, lowerPremium, upperPremium, expiration)
}

// NewPutDebit builds a bearish put debit spread.
func NewPutDebit(lowerStrike, upperStrike, lowerPremium, upperPremium float64, expiration time.Time) (*VerticalSpread, error) {
	return New(PutDebit, lowerStrike, upperStrike, lowerPremium, upperPremium, expiration)
}

// NewPutCredit builds a bullish put credit spread.
func NewPutCredit(lowerStrike, upperStrike, lowerPremium, upperPremium float64, expiration time.Time) (*VerticalSpread, error) {
	return New(PutCredit, lowerStrike, upperStrike, lowerPremium, upperPremium, expiration)
}

// NetPremium returns the premium paid (positive, debit spreads) or
// received (positive, credit spreads) per contract at entry.
func (s *VerticalSpread) NetPremium() float64 {
	if s.Kind.IsDebit() {
		return s.Long.Premium - s.Short.Premium
	}
	return s.Short.Premium - s.Long.Premium
}

// PayoffAt returns the spread's P&L at expiration for a single
// underlying price: each leg contributes quantity * (intrinsic - premium).
func (s *VerticalSpread) PayoffAt(price float64) float64 {
	long := float64(s.Long.Quantity) * (s.Long.intrinsic(price) - s.Long.Premium)
	short := float64(s.Short.Quantity) * (s.Short.intrinsic(price) - s.Short.Premium)
	return long + short
}

// Payoff evaluates the spread across a price grid.
func (s *VerticalSpread) Payoff(prices []float64) []float64 {
	payoffs := make([]float64, len(prices))
	for i, p := range prices {
		payoffs[i] = s.PayoffAt(p)
	}
	return payoffs
}

// GridPoints is the number of samples Analyze takes across the price
// range. Denser grids catch breakevens more precisely at higher cost.
const GridPoints = 100

// PricePayoff is one sampled point of a payoff curve.
type PricePayoff struct {
	Price  float64
	Payoff float64
}

// Analysis is the derived result of evaluating a spread over a sampled
// price grid. MaxLoss is signed: negative whenever the spread can lose.
type Analysis struct {
	Breakevens        []float64
	MaxProfit         float64
	MaxLoss           float64
	ProfitProbability float64
	Curve             []PricePayoff
	Name              string
}

// Analyze samples GridPoints evenly spaced prices spanning
// [0.7*underlying, 1.3*underlying] and derives breakevens, payoff
// extremes, and the fraction of profitable grid points.
func (s *VerticalSpread) Analyze(underlying float64) Analysis {
	grid := PriceGrid(underlying, GridPoints)
	payoffs := s.Payoff(grid)

	curve := make([]PricePayoff, len(grid))
	maxProfit := math.Inf(-1)
	maxLoss := math.Inf(1)
	profitable := 0
	for i := range grid {
		curve[i] = PricePayoff{Price: grid[i], Payoff: payoffs[i]}
		if payoffs[i] > maxProfit {
			maxProfit = payoffs[i]
		}
		if payoffs[i] < maxLoss {
			maxLoss = payoffs[i]
		}
		if payoffs[i] > 0 {
			profitable++
		}
	}

	return Analysis{
		Breakevens:        findBreakevens(grid, payoffs),
		MaxProfit:         maxProfit,
		MaxLoss:           maxLoss,
		ProfitProbability: float64(profitable) / float64(len(grid)),
		Curve:             curve,
		Name:              s.Kind.DisplayName(),
	}
}

// PriceGrid returns n evenly spaced prices covering
// [0.7*underlying, 1.3*underlying].
func PriceGrid(underlying float64, n int) []float64 {
	lo := underlying * 0.7
	hi := underlying * 1.3
	step := (hi - lo) / float64(n-1)
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = lo + float64(i)*step
	}
	return grid
}

// findBreakevens locates zero crossings of the sampled payoff curve by
// linear interpolation between adjacent grid points with opposite
// signs. A crossing inside a flat region between samples can be missed;
// that is an accepted property of the sampled approximation.
func findBreakevens(prices, payoffs []float64) []float64 {
	var breakevens []float64
	for i := 0; i < len(payoffs)-1; i++ {
		if payoffs[i]*payoffs[i+1] < 0 {
			be := prices[i] - payoffs[i]*(prices[i+1]-prices[i])/(payoffs[i+1]-payoffs[i])
			breakevens = append(breakevens, round2(be))
		}
	}
	return breakevens
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
