package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"spreadlab/internal/backtest"
	"spreadlab/internal/spread"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ backtest.StrategyStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
	id              TEXT PRIMARY KEY,
	symbol          TEXT NOT NULL,
	strategy_name   TEXT NOT NULL,
	entry_date      TEXT NOT NULL,
	expiration_date TEXT NOT NULL,
	entry_price     REAL NOT NULL,
	lower_strike    REAL NOT NULL,
	upper_strike    REAL NOT NULL,
	lower_premium   REAL NOT NULL,
	upper_premium   REAL NOT NULL,
	contracts       INTEGER NOT NULL,
	initial_cost    REAL NOT NULL,
	max_profit      REAL NOT NULL,
	max_loss        REAL NOT NULL,
	status          TEXT NOT NULL,
	market_analysis TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	exit_price      REAL,
	exit_date       TEXT,
	final_pnl       REAL,
	result          TEXT,
	exit_reason     TEXT,
	notes           TEXT
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	start_date TEXT NOT NULL,
	end_date   TEXT,
	settings   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS performance_metrics (
	session_id             TEXT PRIMARY KEY,
	total_trades           INTEGER NOT NULL,
	winning_trades         INTEGER NOT NULL,
	losing_trades          INTEGER NOT NULL,
	breakeven_trades       INTEGER NOT NULL,
	win_rate               REAL NOT NULL,
	total_profit           REAL NOT NULL,
	total_loss             REAL NOT NULL,
	net_pnl                REAL NOT NULL,
	average_profit         REAL NOT NULL,
	average_loss           REAL NOT NULL,
	profit_factor          REAL NOT NULL,
	max_drawdown           REAL NOT NULL,
	sharpe_ratio           REAL NOT NULL,
	average_holding_period REAL NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions (id)
);

CREATE INDEX IF NOT EXISTS idx_strategies_status ON strategies (status);
`

// SQLiteStore implements backtest.StrategyStore backed by a SQLite
// database. A single *sql.DB is shared, so the store is safe for
// concurrent use.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// creating parent directories and tables as needed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// StrategyStore implementation
// ---------------------------------------------------------------------------

// UpsertStrategy inserts or replaces the full record keyed by ID.
func (s *SQLiteStore) UpsertStrategy(ctx context.Context, r *backtest.StrategyRecord) error {
	analysis, err := json.Marshal(r.MarketAnalysis)
	if err != nil {
		return fmt.Errorf("encoding market analysis: %w", err)
	}
	settled := !r.ExitDate.IsZero()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO strategies VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Symbol,
		string(r.Kind),
		encodeTime(r.EntryDate),
		encodeTime(r.ExpirationDate),
		r.EntryPrice,
		r.LowerStrike,
		r.UpperStrike,
		r.LowerPremium,
		r.UpperPremium,
		r.Contracts,
		r.InitialCost,
		r.MaxProfit,
		r.MaxLoss,
		string(r.Status),
		string(analysis),
		encodeTime(r.CreatedAt),
		nullFloat(r.ExitPrice, settled),
		nullTime(r.ExitDate),
		nullFloat(r.FinalPnL, settled),
		nullString(string(r.Result)),
		nullString(r.ExitReason),
		nullString(r.Notes),
	)
	if err != nil {
		return fmt.Errorf("saving strategy %s: %w", r.ID, err)
	}
	return nil
}

// GetStrategy returns the record with the given ID, or nil if absent.
func (s *SQLiteStore) GetStrategy(ctx context.Context, id string) (*backtest.StrategyRecord, error) {
	row := s.db.QueryRowContext(ctx, selectStrategy+" WHERE id = ?", id)
	r, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading strategy %s: %w", id, err)
	}
	return r, nil
}

// ListActive returns records in pending or active status, newest first.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]backtest.StrategyRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectStrategy+`
		WHERE status IN (?, ?) ORDER BY created_at DESC`,
		string(backtest.StatusPending), string(backtest.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("listing active strategies: %w", err)
	}
	return collectStrategies(rows)
}

// ListCompleted returns up to limit completed records, newest exit
// first. A limit <= 0 means no limit.
func (s *SQLiteStore) ListCompleted(ctx context.Context, limit int) ([]backtest.StrategyRecord, error) {
	q := selectStrategy + ` WHERE status = ? ORDER BY exit_date DESC`
	args := []any{string(backtest.StatusCompleted)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing completed strategies: %w", err)
	}
	return collectStrategies(rows)
}

// UpdateSettlement writes the completion fields and transitions the
// record to completed status.
func (s *SQLiteStore) UpdateSettlement(ctx context.Context, id string, st backtest.Settlement) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategies
		SET exit_price = ?, exit_date = ?, final_pnl = ?,
		    result = ?, exit_reason = ?, status = ?
		WHERE id = ?`,
		st.ExitPrice,
		encodeTime(st.ExitDate),
		st.FinalPnL,
		string(st.Result),
		nullString(st.Reason),
		string(backtest.StatusCompleted),
		id,
	)
	if err != nil {
		return fmt.Errorf("settling strategy %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("settling strategy %s: not found", id)
	}
	return nil
}

// UpdateStatus transitions a record's status without touching other
// fields.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status backtest.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE strategies SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating status of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating status of %s: not found", id)
	}
	return nil
}

// SaveSession persists a session snapshot, its metrics, and its
// strategy records.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *backtest.Session) error {
	settings, err := json.Marshal(sess.Settings)
	if err != nil {
		return fmt.Errorf("encoding session settings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions VALUES (?, ?, ?, ?, ?)`,
		sess.ID,
		sess.Name,
		encodeTime(sess.StartDate),
		nullTime(sess.EndDate),
		string(settings),
	); err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}

	p := sess.Performance
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO performance_metrics VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		p.TotalTrades,
		p.WinningTrades,
		p.LosingTrades,
		p.BreakevenTrades,
		p.WinRate,
		p.TotalProfit,
		p.TotalLoss,
		p.NetPnL,
		p.AverageProfit,
		p.AverageLoss,
		clampFloat(p.ProfitFactor),
		p.MaxDrawdown,
		p.SharpeRatio,
		p.AverageHoldingPeriod,
	); err != nil {
		return fmt.Errorf("saving metrics for session %s: %w", sess.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session %s: %w", sess.ID, err)
	}

	for i := range sess.Strategies {
		if err := s.UpsertStrategy(ctx, &sess.Strategies[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetSessionMetrics returns the persisted metrics for a session, or nil
// if the session has none.
func (s *SQLiteStore) GetSessionMetrics(ctx context.Context, sessionID string) (*backtest.PerformanceMetrics, error) {
	var p backtest.PerformanceMetrics
	err := s.db.QueryRowContext(ctx, `
		SELECT total_trades, winning_trades, losing_trades, breakeven_trades,
		       win_rate, total_profit, total_loss, net_pnl,
		       average_profit, average_loss, profit_factor,
		       max_drawdown, sharpe_ratio, average_holding_period
		FROM performance_metrics WHERE session_id = ?`, sessionID).Scan(
		&p.TotalTrades, &p.WinningTrades, &p.LosingTrades, &p.BreakevenTrades,
		&p.WinRate, &p.TotalProfit, &p.TotalLoss, &p.NetPnL,
		&p.AverageProfit, &p.AverageLoss, &p.ProfitFactor,
		&p.MaxDrawdown, &p.SharpeRatio, &p.AverageHoldingPeriod,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading metrics for session %s: %w", sessionID, err)
	}
	return &p, nil
}

// Summary aggregates all completed records.
func (s *SQLiteStore) Summary(ctx context.Context) (backtest.StoreSummary, error) {
	var (
		sum                      backtest.StoreSummary
		totalPnL, avgPnL         sql.NullFloat64
		wins, losses, breakevens sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN result = 'profit' THEN 1 ELSE 0 END),
			SUM(CASE WHEN result = 'loss' THEN 1 ELSE 0 END),
			SUM(CASE WHEN result = 'breakeven' THEN 1 ELSE 0 END),
			SUM(final_pnl),
			AVG(final_pnl)
		FROM strategies WHERE status = ?`,
		string(backtest.StatusCompleted)).Scan(
		&sum.TotalTrades, &wins, &losses, &breakevens, &totalPnL, &avgPnL)
	if err != nil {
		return backtest.StoreSummary{}, fmt.Errorf("computing summary: %w", err)
	}
	sum.WinningTrades = int(wins.Int64)
	sum.LosingTrades = int(losses.Int64)
	sum.BreakevenTrades = int(breakevens.Int64)
	sum.TotalPnL = totalPnL.Float64
	sum.AveragePnL = avgPnL.Float64
	if sum.TotalTrades > 0 {
		sum.WinRate = float64(sum.WinningTrades) / float64(sum.TotalTrades) * 100
	}
	return sum, nil
}

// ---------------------------------------------------------------------------
// Row scanning
// ---------------------------------------------------------------------------

const selectStrategy = `
	SELECT id, symbol, strategy_name, entry_date, expiration_date,
	       entry_price, lower_strike, upper_strike, lower_premium, upper_premium,
	       contracts, initial_cost, max_profit, max_loss, status,
	       market_analysis, created_at,
	       exit_price, exit_date, final_pnl, result, exit_reason, notes
	FROM strategies`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (*backtest.StrategyRecord, error) {
	var (
		r                              backtest.StrategyRecord
		kind, status, analysis         string
		entry, expiry, created         string
		exitPrice, finalPnL            sql.NullFloat64
		exitDate, result, reason, note sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.Symbol, &kind, &entry, &expiry,
		&r.EntryPrice, &r.LowerStrike, &r.UpperStrike, &r.LowerPremium, &r.UpperPremium,
		&r.Contracts, &r.InitialCost, &r.MaxProfit, &r.MaxLoss, &status,
		&analysis, &created,
		&exitPrice, &exitDate, &finalPnL, &result, &reason, &note,
	)
	if err != nil {
		return nil, err
	}

	r.Kind = spread.Kind(kind)
	r.Status = backtest.Status(status)
	if r.EntryDate, err = decodeTime(entry); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", r.ID, err)
	}
	if r.ExpirationDate, err = decodeTime(expiry); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = decodeTime(created); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", r.ID, err)
	}
	if analysis != "" {
		if err := json.Unmarshal([]byte(analysis), &r.MarketAnalysis); err != nil {
			return nil, fmt.Errorf("strategy %s: decoding market analysis: %w", r.ID, err)
		}
	}
	r.ExitPrice = exitPrice.Float64
	r.FinalPnL = finalPnL.Float64
	if exitDate.Valid {
		if r.ExitDate, err = decodeTime(exitDate.String); err != nil {
			return nil, fmt.Errorf("strategy %s: %w", r.ID, err)
		}
	}
	r.Result = backtest.Outcome(result.String)
	r.ExitReason = reason.String
	r.Notes = note.String
	return &r, nil
}

func collectStrategies(rows *sql.Rows) ([]backtest.StrategyRecord, error) {
	defer rows.Close()
	var records []backtest.StrategyRecord
	for rows.Next() {
		r, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}
