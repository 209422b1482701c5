// Package store persists simulation inputs and outputs: OHLCV bars in
// Parquet files and run results in SQLite.
package store

import (
	"context"
	"sort"
	"time"

	"barsim/internal/domain"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars, merging with existing data.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol within [start, end],
	// ordered by timestamp.
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// RunRecord is the run-level summary row persisted per backtest.
type RunRecord struct {
	BacktestID      string    `json:"backtest_id"`
	ConfigHash      string    `json:"config_hash"`
	CreatedAt       time.Time `json:"created_at"`
	BarsProcessed   int       `json:"bars_processed"`
	FinalEquity     float64   `json:"final_equity"`
	RealizedPnL     float64   `json:"realized_pnl"`
	TotalCommission float64   `json:"total_commission"`
	TotalSlippage   float64   `json:"total_slippage"`
}

// ResultStore persists simulation outputs keyed by backtest id.
type ResultStore interface {
	// SaveRun writes the run summary and all its detail rows in one
	// transaction. Saving an existing backtest id replaces it.
	SaveRun(ctx context.Context, run RunRecord, fills []domain.Fill,
		rejections []domain.RejectedOrder, curve []domain.EquityPoint) error

	// GetRun retrieves one run summary.
	GetRun(ctx context.Context, backtestID string) (*RunRecord, error)

	// ListRuns returns all run summaries, newest first.
	ListRuns(ctx context.Context) ([]RunRecord, error)

	// Fills returns a run's fills in execution order.
	Fills(ctx context.Context, backtestID string) ([]domain.Fill, error)

	// Rejections returns a run's rejections in occurrence order.
	Rejections(ctx context.Context, backtestID string) ([]domain.RejectedOrder, error)

	// EquityCurve returns a run's equity samples in time order.
	EquityCurve(ctx context.Context, backtestID string) ([]domain.EquityPoint, error)
}

// Feed assembles a simulation feed from stored bars: one tick per distinct
// timestamp across the given symbols, ticks in time order, bars within a
// tick in symbol order.
func Feed(ctx context.Context, bs BarStore, symbols []string, start, end time.Time) ([][]domain.Bar, error) {
	byTime := make(map[int64][]domain.Bar)
	for _, sym := range symbols {
		bars, err := bs.ReadBars(ctx, sym, start, end)
		if err != nil {
			return nil, err
		}
		for _, b := range bars {
			key := b.Timestamp.UnixMilli()
			byTime[key] = append(byTime[key], b)
		}
	}

	keys := make([]int64, 0, len(byTime))
	for k := range byTime {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	feed := make([][]domain.Bar, 0, len(keys))
	for _, k := range keys {
		tick := byTime[k]
		sort.Slice(tick, func(i, j int) bool { return tick[i].Symbol < tick[j].Symbol })
		feed = append(feed, tick)
	}
	return feed, nil
}
