// One-shot tool: print a performance report over completed strategies
// and optionally refresh the parquet export.
//
// Usage:
//
//	go run cmd/spreadlab-report/main.go [-limit 50] [-export]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sort"

	"spreadlab/internal/backtest"
	"spreadlab/internal/config"
	"spreadlab/internal/spread"
	"spreadlab/internal/store"
	"spreadlab/internal/util"
)

func main() {
	limit := flag.Int("limit", 0, "most recent completed strategies to include (0 = all)")
	export := flag.Bool("export", false, "also write completed strategies to parquet")
	flag.Parse()

	cfgPath := "config/spreadlab.yaml"
	if p := os.Getenv("SPREADLAB_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	records, err := st.ListCompleted(ctx, *limit)
	if err != nil {
		log.Fatalf("failed to load completed strategies: %v", err)
	}

	report := backtest.NewAnalyzer().Report(records)
	printReport(report)

	if *export {
		exporter := store.NewParquetExporter(cfg.Storage.DataDir)
		if err := exporter.ExportCompleted(ctx, records); err != nil {
			log.Fatalf("parquet export failed: %v", err)
		}
		slog.Info("parquet export refreshed", "records", len(records), "dir", cfg.Storage.DataDir)
	}
}

func printReport(r backtest.Report) {
	if !r.HasData {
		fmt.Println("No completed strategies yet.")
		return
	}

	s := r.Summary
	fmt.Println("=== Performance Summary ===")
	fmt.Printf("Trades:          %d (%d W / %d L / %d BE)\n",
		s.TotalTrades, s.WinningTrades, s.LosingTrades, s.BreakevenTrades)
	fmt.Printf("Win rate:        %.1f%%\n", s.WinRate)
	fmt.Printf("Net P&L:         %+.2f\n", s.NetPnL)
	fmt.Printf("Avg win / loss:  %+.2f / %+.2f\n", s.AverageProfit, s.AverageLoss)
	fmt.Printf("Profit factor:   %.2f\n", s.ProfitFactor)
	fmt.Printf("Max drawdown:    %.1f%%\n", s.MaxDrawdown)
	fmt.Printf("Sharpe:          %.2f\n", s.SharpeRatio)
	fmt.Printf("Avg holding:     %.1f days\n", s.AverageHoldingPeriod)

	fmt.Println("\n=== By Strategy ===")
	kinds := make([]string, 0, len(r.ByKind))
	for kind := range r.ByKind {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		printBreakdown(kind, r.ByKind[spread.Kind(kind)])
	}

	fmt.Println("\n=== By Month ===")
	months := make([]string, 0, len(r.ByMonth))
	for month := range r.ByMonth {
		months = append(months, month)
	}
	sort.Strings(months)
	for _, month := range months {
		printBreakdown(month, r.ByMonth[month])
	}

	fmt.Println("\n=== Risk ===")
	fmt.Printf("Volatility:          %.2f\n", r.Risk.Volatility)
	fmt.Printf("VaR (95%%):           %+.2f\n", r.Risk.VaR95)
	fmt.Printf("Max consec. losses:  %d\n", r.Risk.MaxConsecutiveLosses)
	fmt.Printf("Largest win / loss:  %+.2f / %+.2f\n", r.Risk.LargestWin, r.Risk.LargestLoss)
	fmt.Printf("Average trade:       %+.2f\n", r.Risk.AverageTrade)
}

func printBreakdown(label string, b backtest.Breakdown) {
	fmt.Printf("%-22s %3d trades  %5.1f%% win  %+10.2f total  %+8.2f avg\n",
		label, b.Total, b.WinRate, b.TotalPnL, b.AvgPnL)
}
