package sim

import (
	"math"
	"sort"

	"barsim/internal/domain"
)

// SlippageSummary holds nearest-rank percentiles over per-fill slippage
// costs. Zero when the run produced no fills.
type SlippageSummary struct {
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Result is the complete output of a run.
type Result struct {
	BacktestID      string                 `json:"backtest_id"`
	ConfigHash      string                 `json:"config_hash"`
	BarsProcessed   int                    `json:"bars_processed"`
	FinalEquity     float64                `json:"final_equity"`
	RealizedPnL     float64                `json:"realized_pnl"`
	TotalCommission float64                `json:"total_commission"`
	TotalSlippage   float64                `json:"total_slippage"`
	Slippage        SlippageSummary        `json:"slippage"`
	Fills           []domain.Fill          `json:"fills"`
	Rejected        []domain.RejectedOrder `json:"rejected"`
	EquityCurve     []domain.EquityPoint   `json:"equity_curve"`
}

// Result assembles the run output from current state. Valid after any
// number of Step calls, not only at feed end.
func (s *Simulator) Result() *Result {
	var commission, slippage float64
	costs := make([]float64, 0, len(s.fills))
	for _, f := range s.fills {
		commission += f.Commission
		slippage += f.SlippageCost
		costs = append(costs, f.SlippageCost)
	}
	return &Result{
		BacktestID:      s.backtestID,
		ConfigHash:      s.configHash,
		BarsProcessed:   s.barIndex,
		FinalEquity:     s.ledger.Equity(s.marks),
		RealizedPnL:     s.ledger.RealizedPnL(),
		TotalCommission: commission,
		TotalSlippage:   slippage,
		Slippage:        summarizeSlippage(costs),
		Fills:           s.fills,
		Rejected:        s.rejected,
		EquityCurve:     s.ledger.EquityCurve,
	}
}

func summarizeSlippage(costs []float64) SlippageSummary {
	if len(costs) == 0 {
		return SlippageSummary{}
	}
	sort.Float64s(costs)
	return SlippageSummary{
		P50: percentile(costs, 50),
		P90: percentile(costs, 90),
		P95: percentile(costs, 95),
		P99: percentile(costs, 99),
	}
}

// percentile is nearest-rank over a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
