package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"barsim/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

var _ ResultStore = (*SQLiteStore)(nil)

// SQLiteStore implements ResultStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	backtest_id      TEXT PRIMARY KEY,
	config_hash      TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	bars_processed   INTEGER NOT NULL,
	final_equity     REAL NOT NULL,
	realized_pnl     REAL NOT NULL,
	total_commission REAL NOT NULL,
	total_slippage   REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	backtest_id   TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	id            TEXT NOT NULL,
	order_id      TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	quantity      REAL NOT NULL,
	price         REAL NOT NULL,
	commission    REAL NOT NULL,
	slippage_cost REAL NOT NULL,
	realized_pnl  REAL NOT NULL,
	provider      TEXT NOT NULL,
	ts            TEXT NOT NULL,
	PRIMARY KEY (backtest_id, seq)
);

CREATE TABLE IF NOT EXISTS rejections (
	backtest_id TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	order_id    TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	reason      TEXT NOT NULL,
	detail      TEXT NOT NULL,
	ts          TEXT NOT NULL,
	PRIMARY KEY (backtest_id, seq)
);

CREATE TABLE IF NOT EXISTS equity_curve (
	backtest_id TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	ts          TEXT NOT NULL,
	equity      REAL NOT NULL,
	PRIMARY KEY (backtest_id, seq)
);
`

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating result schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun writes the run summary and detail rows in one transaction,
// replacing any previous rows for the same backtest id.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord, fills []domain.Fill,
	rejections []domain.RejectedOrder, curve []domain.EquityPoint) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"runs", "fills", "rejections", "equity_curve"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE backtest_id = ?", table), run.BacktestID); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (backtest_id, config_hash, created_at, bars_processed,
			final_equity, realized_pnl, total_commission, total_slippage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.BacktestID, run.ConfigHash, run.CreatedAt.UTC().Format(time.RFC3339Nano),
		run.BarsProcessed, run.FinalEquity, run.RealizedPnL,
		run.TotalCommission, run.TotalSlippage); err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	for i, f := range fills {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fills (backtest_id, seq, id, order_id, symbol, side,
				quantity, price, commission, slippage_cost, realized_pnl, provider, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.BacktestID, i, f.ID, f.OrderID, f.Symbol, string(f.Side),
			f.Quantity, f.Price, f.Commission, f.SlippageCost, f.RealizedPnL,
			f.Provider, f.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("inserting fill %s: %w", f.ID, err)
		}
	}

	for i, r := range rejections {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rejections (backtest_id, seq, order_id, symbol, reason, detail, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.BacktestID, i, r.OrderID, r.Symbol, string(r.Reason), r.Detail,
			r.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("inserting rejection for %s: %w", r.OrderID, err)
		}
	}

	for i, p := range curve {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO equity_curve (backtest_id, seq, ts, equity)
			VALUES (?, ?, ?, ?)`,
			run.BacktestID, i, p.Timestamp.UTC().Format(time.RFC3339Nano), p.Equity); err != nil {
			return fmt.Errorf("inserting equity point %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// GetRun retrieves one run summary, or nil when absent.
func (s *SQLiteStore) GetRun(ctx context.Context, backtestID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT backtest_id, config_hash, created_at, bars_processed,
			final_equity, realized_pnl, total_commission, total_slippage
		FROM runs WHERE backtest_id = ?`, backtestID)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns all run summaries, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT backtest_id, config_hash, created_at, bars_processed,
			final_equity, realized_pnl, total_commission, total_slippage
		FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*RunRecord, error) {
	var run RunRecord
	var created string
	if err := s.Scan(&run.BacktestID, &run.ConfigHash, &created, &run.BarsProcessed,
		&run.FinalEquity, &run.RealizedPnL, &run.TotalCommission, &run.TotalSlippage); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parsing run created_at: %w", err)
	}
	run.CreatedAt = ts
	return &run, nil
}

// Fills returns a run's fills in execution order.
func (s *SQLiteStore) Fills(ctx context.Context, backtestID string) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, symbol, side, quantity, price, commission,
			slippage_cost, realized_pnl, provider, ts
		FROM fills WHERE backtest_id = ? ORDER BY seq`, backtestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side, ts string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Symbol, &side, &f.Quantity, &f.Price,
			&f.Commission, &f.SlippageCost, &f.RealizedPnL, &f.Provider, &ts); err != nil {
			return nil, err
		}
		f.Side = domain.OrderSide(side)
		if f.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing fill timestamp: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Rejections returns a run's rejections in occurrence order.
func (s *SQLiteStore) Rejections(ctx context.Context, backtestID string) ([]domain.RejectedOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, symbol, reason, detail, ts
		FROM rejections WHERE backtest_id = ? ORDER BY seq`, backtestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rejections []domain.RejectedOrder
	for rows.Next() {
		var r domain.RejectedOrder
		var reason, ts string
		if err := rows.Scan(&r.OrderID, &r.Symbol, &reason, &r.Detail, &ts); err != nil {
			return nil, err
		}
		r.Reason = domain.RejectReason(reason)
		if r.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing rejection timestamp: %w", err)
		}
		rejections = append(rejections, r)
	}
	return rejections, rows.Err()
}

// EquityCurve returns a run's equity samples in time order.
func (s *SQLiteStore) EquityCurve(ctx context.Context, backtestID string) ([]domain.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, equity FROM equity_curve WHERE backtest_id = ? ORDER BY seq`, backtestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var curve []domain.EquityPoint
	for rows.Next() {
		var p domain.EquityPoint
		var ts string
		if err := rows.Scan(&ts, &p.Equity); err != nil {
			return nil, err
		}
		if p.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing equity timestamp: %w", err)
		}
		curve = append(curve, p)
	}
	return curve, rows.Err()
}
