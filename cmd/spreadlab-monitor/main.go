// Long-running daemon: tracks active spread strategies and settles
// them at expiration using Alpaca settlement prices. Completed records
// are appended to the parquet export on every cycle.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spreadlab/internal/backtest"
	"spreadlab/internal/config"
	"spreadlab/internal/marketdata"
	"spreadlab/internal/paper"
	"spreadlab/internal/risk"
	"spreadlab/internal/store"
	"spreadlab/internal/util"
)

func main() {
	interval := flag.Duration("interval", 0, "override monitoring interval (e.g. 30m)")
	flag.Parse()

	cfg := loadConfig()
	if *interval > 0 {
		cfg.Monitor.Interval = *interval
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	source := marketdata.NewAlpacaSource(cfg.Alpaca, cfg.Monitor, logger)
	exporter := store.NewParquetExporter(cfg.Storage.DataDir)
	riskMon := risk.NewMonitor()
	ledger := paper.NewLedger("monitor", cfg.Paper.StartingBalance)

	// Strategy ID -> paper order ID, for closing orders on settlement.
	orders := make(map[string]string)

	engine := backtest.NewEngine(st, source.PriceFunc(ctx), logger)
	engine.OnCompleted = func(completed []backtest.StrategyRecord) {
		exportCtx, exportCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer exportCancel()
		if err := exporter.ExportCompleted(exportCtx, completed); err != nil {
			slog.Error("parquet export failed", "error", err)
		}

		var cycleLoss float64
		for _, rec := range completed {
			for _, alert := range riskMon.UpdatePnL(rec.ID, rec.FinalPnL) {
				slog.Warn("risk alert", "id", rec.ID, "kind", alert.Kind, "message", alert.Message)
			}
			riskMon.ClosePosition(rec.ID, rec.ExitReason)
			if rec.FinalPnL < 0 {
				cycleLoss -= rec.FinalPnL
			}

			if orderID, ok := orders[rec.ID]; ok {
				if err := ledger.CloseOrder(orderID, rec.InitialCost+rec.FinalPnL); err != nil {
					slog.Error("paper close failed", "id", rec.ID, "error", err)
				}
				delete(orders, rec.ID)
			}
		}
		if maxLoss := cfg.Risk.MaxDailyLossPct * cfg.Paper.StartingBalance; cycleLoss > maxLoss {
			slog.Warn("cycle losses above daily limit", "loss", cycleLoss, "limit", maxLoss)
		}
		m := ledger.Metrics()
		slog.Info("paper account", "value", m.TotalValue, "return_pct", m.TotalReturn)
	}

	// Mirror every stored active strategy into the risk monitor and
	// ledger before the loop starts, so settlements report against both.
	active, err := st.ListActive(ctx)
	if err != nil {
		log.Fatalf("failed to load active strategies: %v", err)
	}
	stopLossPct := cfg.Risk.WarningLossPct * 100
	for _, rec := range active {
		if limit := cfg.Risk.MaxPositionRiskPct * cfg.Paper.StartingBalance; rec.MaxLoss > limit {
			slog.Warn("position risk above limit", "id", rec.ID, "max_loss", rec.MaxLoss, "limit", limit)
		}
		levels := risk.ComputeLevels(rec.MaxProfit, rec.MaxLoss, stopLossPct, 0, 0)
		riskMon.AddPosition(rec.ID, rec.Symbol, string(rec.Kind), levels, rec.ExpirationDate)
		orderID, err := ledger.PlaceOrder(rec.Symbol, rec.Kind, rec.Contracts, rec.InitialCost)
		if err != nil {
			slog.Warn("paper mirror skipped", "id", rec.ID, "error", err)
			continue
		}
		orders[rec.ID] = orderID
	}

	if err := engine.StartMonitoring(ctx, cfg.Monitor.Interval); err != nil {
		log.Fatalf("failed to start monitoring: %v", err)
	}

	slog.Info("spreadlab-monitor started",
		"interval", cfg.Monitor.Interval, "db", cfg.Storage.SQLitePath,
		"tracked", len(orders))

	<-ctx.Done()
	slog.Info("shutting down")
	engine.StopMonitoring()
}

func loadConfig() *config.Config {
	cfgPath := "config/spreadlab.yaml"
	if p := os.Getenv("SPREADLAB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
