package ledger

import (
	"math"
	"testing"
	"time"

	"barsim/internal/domain"
)

var t0 = time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)

func fill(side domain.OrderSide, qty, price float64, ts time.Time) domain.Fill {
	return domain.Fill{
		ID: "f", OrderID: "o", Symbol: "AAPL",
		Side: side, Quantity: qty, Price: price, Timestamp: ts,
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestFIFORealizedPnL(t *testing.T) {
	// Buy 100 @ 150, buy 50 @ 152, sell 120 @ 155.
	// FIFO: 100*(155-150) + 20*(155-152) = 560; remainder 30 @ 152.
	l := New(100000)

	if _, err := l.ApplyFill(fill(domain.OrderSideBuy, 100, 150, t0), 0, 0); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if _, err := l.ApplyFill(fill(domain.OrderSideBuy, 50, 152, t0.Add(time.Minute)), 1, 0); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	eff, err := l.ApplyFill(fill(domain.OrderSideSell, 120, 155, t0.Add(2*time.Minute)), 2, 0)
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}

	if !approx(eff.Realized, 560) {
		t.Errorf("realized = %v, want 560", eff.Realized)
	}
	if got := l.NetQuantity("AAPL"); !approx(got, 30) {
		t.Errorf("net quantity = %v, want 30", got)
	}
	pos := l.Positions["AAPL"]
	if len(pos.Lots) != 1 || !approx(pos.Lots[0].EntryPrice, 152) {
		t.Errorf("remaining lot = %+v, want 30 @ 152", pos.Lots)
	}
	if err := l.CheckInvariants(); err != nil {
		t.Errorf("invariants violated: %v", err)
	}
}

func TestPartialLotSplitPreservesEntry(t *testing.T) {
	l := New(10000)
	l.ApplyFill(fill(domain.OrderSideBuy, 100, 50, t0), 0, 0)
	l.ApplyFill(fill(domain.OrderSideSell, 40, 55, t0.Add(time.Minute)), 1, 0)

	pos := l.Positions["AAPL"]
	if len(pos.Lots) != 1 {
		t.Fatalf("lot count = %d, want 1", len(pos.Lots))
	}
	if !approx(pos.Lots[0].Quantity, 60) || !approx(pos.Lots[0].EntryPrice, 50) {
		t.Errorf("remainder lot = %+v, want 60 @ 50", pos.Lots[0])
	}
	if !pos.Lots[0].EntryTime.Equal(t0) {
		t.Errorf("remainder entry time changed: %v", pos.Lots[0].EntryTime)
	}
}

func TestLongToShortReversal(t *testing.T) {
	l := New(10000)
	l.ApplyFill(fill(domain.OrderSideBuy, 50, 100, t0), 0, 0)
	eff, _ := l.ApplyFill(fill(domain.OrderSideSell, 80, 110, t0.Add(time.Minute)), 1, 0)

	// 50 closed for +500, 30 opens short at 110.
	if !approx(eff.Realized, 500) {
		t.Errorf("realized = %v, want 500", eff.Realized)
	}
	if got := l.NetQuantity("AAPL"); !approx(got, -30) {
		t.Errorf("net quantity = %v, want -30", got)
	}

	// Cover the short lower: 30*(110-105) = 150.
	eff, _ = l.ApplyFill(fill(domain.OrderSideBuy, 30, 105, t0.Add(2*time.Minute)), 2, 0)
	if !approx(eff.Realized, 150) {
		t.Errorf("short cover realized = %v, want 150", eff.Realized)
	}
	if l.NetQuantity("AAPL") != 0 {
		t.Errorf("expected flat, got %v", l.NetQuantity("AAPL"))
	}
	if _, ok := l.Positions["AAPL"]; ok {
		t.Error("flat symbol should be removed from positions")
	}
}

func TestRealizedAllocatesCosts(t *testing.T) {
	l := New(10000)
	l.ApplyFill(fill(domain.OrderSideBuy, 100, 50, t0), 0, 0)

	f := fill(domain.OrderSideSell, 100, 55, t0.Add(time.Minute))
	f.Commission = 3
	f.SlippageCost = 2
	eff, _ := l.ApplyFill(f, 1, 0)

	// Gross 500 minus fully allocated costs (whole fill closes).
	if !approx(eff.Realized, 495) {
		t.Errorf("realized = %v, want 495", eff.Realized)
	}
}

func TestSettlementQueue(t *testing.T) {
	l := New(1000)
	l.ApplyFill(fill(domain.OrderSideBuy, 10, 50, t0), 0, 0)

	// Sell with T+2: proceeds go unsettled.
	l.ApplyFill(fill(domain.OrderSideSell, 10, 60, t0.Add(time.Minute)), 1, 2)
	if !approx(l.UnsettledCash, 600) {
		t.Errorf("unsettled = %v, want 600", l.UnsettledCash)
	}
	if !approx(l.Cash, 500) {
		t.Errorf("cash = %v, want 500", l.Cash)
	}

	l.ReleaseSettlement(2) // release bar is 3
	if !approx(l.UnsettledCash, 600) {
		t.Error("settlement released early")
	}
	l.ReleaseSettlement(3)
	if !approx(l.UnsettledCash, 0) || !approx(l.Cash, 1100) {
		t.Errorf("after release: cash=%v unsettled=%v, want 1100/0", l.Cash, l.UnsettledCash)
	}
	if len(l.SettlementQueue) != 0 {
		t.Errorf("queue not drained: %d entries", len(l.SettlementQueue))
	}
}

func TestEquityMarkToMid(t *testing.T) {
	l := New(1000)
	l.ApplyFill(fill(domain.OrderSideBuy, 10, 50, t0), 0, 0)

	// cash 500 + 10 shares marked at 55.
	eq := l.Equity(map[string]float64{"AAPL": 55})
	if !approx(eq, 1050) {
		t.Errorf("equity = %v, want 1050", eq)
	}

	// Missing mark falls back to entry price.
	eq = l.Equity(nil)
	if !approx(eq, 1000) {
		t.Errorf("equity with entry-price fallback = %v, want 1000", eq)
	}
}

func TestDayTradeWindow(t *testing.T) {
	l := New(0)
	day := func(n int) time.Time { return t0.AddDate(0, 0, n) }

	l.RecordDayTrade(day(0))
	l.RecordDayTrade(day(1))
	if got := l.DayTradesRemaining(day(1)); got != 1 {
		t.Errorf("remaining = %d, want 1", got)
	}
	l.RecordDayTrade(day(2))
	if got := l.DayTradesRemaining(day(2)); got != 0 {
		t.Errorf("remaining = %d, want 0", got)
	}

	// Five sessions later the first trades age out.
	if got := l.DayTradesRemaining(day(6)); got != 2 {
		t.Errorf("remaining after aging = %d, want 2", got)
	}
}

func TestWouldCloseSameSession(t *testing.T) {
	l := New(10000)
	l.ApplyFill(fill(domain.OrderSideBuy, 50, 100, t0.AddDate(0, 0, -1)), 0, 0) // yesterday
	l.ApplyFill(fill(domain.OrderSideBuy, 50, 101, t0), 1, 0)                   // today

	// Selling 30 consumes only yesterday's lot.
	if l.WouldCloseSameSession("AAPL", domain.OrderSideSell, 30, t0) {
		t.Error("closing an older lot flagged as day trade")
	}
	// Selling 80 reaches today's lot.
	if !l.WouldCloseSameSession("AAPL", domain.OrderSideSell, 80, t0) {
		t.Error("closing a same-session lot not flagged as day trade")
	}
}

func TestRecordEquityOrdering(t *testing.T) {
	l := New(100)
	if err := l.RecordEquity(t0, 100); err != nil {
		t.Fatalf("RecordEquity: %v", err)
	}
	if err := l.RecordEquity(t0.Add(time.Minute), 101); err != nil {
		t.Fatalf("RecordEquity: %v", err)
	}
	if err := l.RecordEquity(t0.Add(-time.Minute), 99); err == nil {
		t.Error("out-of-order equity sample accepted")
	}
	if len(l.EquityCurve) != 2 {
		t.Errorf("curve length = %d, want 2", len(l.EquityCurve))
	}
}

func TestBorrowCostShortsOnly(t *testing.T) {
	l := New(10000)
	l.ApplyFill(fill(domain.OrderSideSell, 100, 50, t0), 0, 0) // short 100 @ 50
	cashBefore := l.Cash

	l.ApplyBorrowCost(map[string]float64{"AAPL": 50}, 0.073)
	want := cashBefore - 100*50*0.073/365
	if !approx(l.Cash, want) {
		t.Errorf("cash after borrow = %v, want %v", l.Cash, want)
	}

	// Long positions accrue nothing.
	l2 := New(10000)
	l2.ApplyFill(fill(domain.OrderSideBuy, 100, 50, t0), 0, 0)
	cashBefore = l2.Cash
	l2.ApplyBorrowCost(map[string]float64{"AAPL": 50}, 0.073)
	if !approx(l2.Cash, cashBefore) {
		t.Error("borrow charged on a long position")
	}
}

func TestSnapshot(t *testing.T) {
	l := New(1000)
	l.ApplyFill(fill(domain.OrderSideBuy, 10, 50, t0), 0, 0)
	l.RecordDayTrade(t0)

	snap := l.Snapshot(map[string]float64{"AAPL": 60}, t0)
	if !approx(snap.Equity, 1100) {
		t.Errorf("snapshot equity = %v, want 1100", snap.Equity)
	}
	if !approx(snap.GrossNotional, 600) {
		t.Errorf("gross notional = %v, want 600", snap.GrossNotional)
	}
	if !approx(snap.NetQuantities["AAPL"], 10) {
		t.Errorf("net qty = %v, want 10", snap.NetQuantities["AAPL"])
	}
	if snap.DayTradesRemaining != 2 {
		t.Errorf("day trades remaining = %d, want 2", snap.DayTradesRemaining)
	}
}
