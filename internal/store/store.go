// Package store persists backtesting results: a SQLite-backed
// implementation of backtest.StrategyStore and a Parquet exporter for
// completed records. Times are stored as RFC 3339 UTC strings.
package store

import (
	"fmt"
	"math"
	"time"
)

// ---------------------------------------------------------------------------
// Encoding helpers
// ---------------------------------------------------------------------------

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return encodeTime(t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f float64, valid bool) any {
	if !valid {
		return nil
	}
	return f
}

// clampFloat maps non-finite values to the largest representable REAL,
// since SQLite has no literal for infinity.
func clampFloat(f float64) float64 {
	if math.IsInf(f, 1) {
		return math.MaxFloat64
	}
	if math.IsInf(f, -1) {
		return -math.MaxFloat64
	}
	if math.IsNaN(f) {
		return 0
	}
	return f
}
