package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"spreadlab/internal/backtest"
	"spreadlab/internal/spread"
)

// ParquetExporter writes completed strategy records to Parquet files on
// disk for offline analysis. Files are organized by exit year:
//
//	<DataDir>/results/<YYYY>.parquet
//
// Repeated exports of the same records merge by ID instead of
// duplicating rows.
type ParquetExporter struct {
	DataDir string
}

// NewParquetExporter creates an exporter rooted at the given data
// directory.
func NewParquetExporter(dataDir string) *ParquetExporter {
	return &ParquetExporter{DataDir: dataDir}
}

// strategyRow is the Parquet schema for a settled strategy.
type strategyRow struct {
	ID             string  `parquet:"id"`
	Symbol         string  `parquet:"symbol"`
	StrategyName   string  `parquet:"strategy_name"`
	EntryDate      int64   `parquet:"entry_date,timestamp(millisecond)"` // Unix ms
	ExpirationDate int64   `parquet:"expiration_date,timestamp(millisecond)"`
	EntryPrice     float64 `parquet:"entry_price"`
	LowerStrike    float64 `parquet:"lower_strike"`
	UpperStrike    float64 `parquet:"upper_strike"`
	LowerPremium   float64 `parquet:"lower_premium"`
	UpperPremium   float64 `parquet:"upper_premium"`
	Contracts      int64   `parquet:"contracts"`
	InitialCost    float64 `parquet:"initial_cost"`
	MaxProfit      float64 `parquet:"max_profit"`
	MaxLoss        float64 `parquet:"max_loss"`
	ExitPrice      float64 `parquet:"exit_price"`
	ExitDate       int64   `parquet:"exit_date,timestamp(millisecond)"`
	FinalPnL       float64 `parquet:"final_pnl"`
	Result         string  `parquet:"result"`
	ExitReason     string  `parquet:"exit_reason"`
}

// ExportCompleted writes the given completed records to Parquet,
// grouped by exit year and merged with any rows already on disk.
// Records that have not settled are skipped.
func (e *ParquetExporter) ExportCompleted(_ context.Context, records []backtest.StrategyRecord) error {
	groups := make(map[int][]strategyRow)
	for _, r := range records {
		if r.Status != backtest.StatusCompleted || r.ExitDate.IsZero() {
			continue
		}
		groups[r.ExitDate.Year()] = append(groups[r.ExitDate.Year()], toRow(r))
	}

	for year, rows := range groups {
		path := e.resultPath(year)

		existing, _ := readParquetFile[strategyRow](path)
		merged := mergeStrategyRows(existing, rows)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("exporting results for %d: %w", year, err)
		}
	}
	return nil
}

// ReadCompleted reads exported records whose exit dates fall within
// [start, end]. Years with no export file are skipped.
func (e *ParquetExporter) ReadCompleted(_ context.Context, start, end time.Time) ([]backtest.StrategyRecord, error) {
	var records []backtest.StrategyRecord
	for year := start.Year(); year <= end.Year(); year++ {
		rows, err := readParquetFile[strategyRow](e.resultPath(year))
		if err != nil {
			continue
		}
		for _, row := range rows {
			exit := time.UnixMilli(row.ExitDate)
			if exit.Before(start) || exit.After(end) {
				continue
			}
			records = append(records, fromRow(row))
		}
	}
	return records, nil
}

// resultPath returns the filesystem path for a year's export file.
func (e *ParquetExporter) resultPath(year int) string {
	return filepath.Join(e.DataDir, "results", fmt.Sprintf("%d.parquet", year))
}

func toRow(r backtest.StrategyRecord) strategyRow {
	return strategyRow{
		ID:             r.ID,
		Symbol:         r.Symbol,
		StrategyName:   string(r.Kind),
		EntryDate:      r.EntryDate.UnixMilli(),
		ExpirationDate: r.ExpirationDate.UnixMilli(),
		EntryPrice:     r.EntryPrice,
		LowerStrike:    r.LowerStrike,
		UpperStrike:    r.UpperStrike,
		LowerPremium:   r.LowerPremium,
		UpperPremium:   r.UpperPremium,
		Contracts:      int64(r.Contracts),
		InitialCost:    r.InitialCost,
		MaxProfit:      r.MaxProfit,
		MaxLoss:        r.MaxLoss,
		ExitPrice:      r.ExitPrice,
		ExitDate:       r.ExitDate.UnixMilli(),
		FinalPnL:       r.FinalPnL,
		Result:         string(r.Result),
		ExitReason:     r.ExitReason,
	}
}

func fromRow(row strategyRow) backtest.StrategyRecord {
	return backtest.StrategyRecord{
		ID:             row.ID,
		Symbol:         row.Symbol,
		Kind:           spread.Kind(row.StrategyName),
		EntryDate:      time.UnixMilli(row.EntryDate),
		ExpirationDate: time.UnixMilli(row.ExpirationDate),
		EntryPrice:     row.EntryPrice,
		LowerStrike:    row.LowerStrike,
		UpperStrike:    row.UpperStrike,
		LowerPremium:   row.LowerPremium,
		UpperPremium:   row.UpperPremium,
		Contracts:      int(row.Contracts),
		InitialCost:    row.InitialCost,
		MaxProfit:      row.MaxProfit,
		MaxLoss:        row.MaxLoss,
		Status:         backtest.StatusCompleted,
		ExitPrice:      row.ExitPrice,
		ExitDate:       time.UnixMilli(row.ExitDate),
		FinalPnL:       row.FinalPnL,
		Result:         backtest.Outcome(row.Result),
		ExitReason:     row.ExitReason,
	}
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeStrategyRows deduplicates rows by ID, preferring new rows over
// existing ones. Results are sorted by exit date.
func mergeStrategyRows(existing, incoming []strategyRow) []strategyRow {
	seen := make(map[string]strategyRow, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]strategyRow, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ExitDate < merged[j].ExitDate
	})
	return merged
}
