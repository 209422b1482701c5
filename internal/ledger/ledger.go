// Package ledger owns the mutable account state of a simulation run: cash,
// the settlement queue, per-symbol FIFO inventory lots, realized P&L,
// day-trade history, and the equity curve. Only the event loop mutates it,
// and only after a fill has passed every gate.
package ledger

import (
	"fmt"
	"math"
	"time"

	"barsim/internal/domain"
	"barsim/internal/util"
)

// PDTAllowance is the number of day trades permitted inside the rolling
// five-session window.
const PDTAllowance = 3

// Lot is a discrete slice of position acquired at one price and time.
// Quantity is signed: positive long, negative short. A stored lot never has
// zero quantity.
type Lot struct {
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
}

// Position tracks the FIFO lot sequence and realized P&L for one symbol.
type Position struct {
	Lots        []Lot   `json:"lots"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// NetQuantity is the signed sum of lot quantities.
func (p *Position) NetQuantity() float64 {
	var qty float64
	for _, l := range p.Lots {
		qty += l.Quantity
	}
	return qty
}

// AvgEntryPrice is the quantity-weighted average entry price, zero when flat.
func (p *Position) AvgEntryPrice() float64 {
	qty := p.NetQuantity()
	if qty == 0 {
		return 0
	}
	var weighted float64
	for _, l := range p.Lots {
		weighted += l.EntryPrice * l.Quantity
	}
	return weighted / qty
}

// SettlementEntry is sale proceeds awaiting release into settled cash.
type SettlementEntry struct {
	ReleaseBar int     `json:"release_bar"`
	Amount     float64 `json:"amount"`
}

// Ledger is the account state. Fields are exported for checkpoint
// serialization; other packages must mutate it only through its methods.
type Ledger struct {
	Cash            float64              `json:"cash"`
	UnsettledCash   float64              `json:"unsettled_cash"`
	Realized        float64              `json:"realized"`
	Positions       map[string]*Position `json:"positions"`
	SettlementQueue []SettlementEntry    `json:"settlement_queue"`
	DayTrades       []time.Time          `json:"day_trades"`
	EquityCurve     []domain.EquityPoint `json:"equity_curve"`
}

// New creates a Ledger holding the given starting cash.
func New(initialCapital float64) *Ledger {
	return &Ledger{
		Cash:      initialCapital,
		Positions: make(map[string]*Position),
	}
}

// FillEffect reports what applying a fill did to the ledger.
type FillEffect struct {
	Realized         float64 // realized P&L net of allocated costs
	ClosedQty        float64 // absolute quantity that closed existing exposure
	SameSessionClose bool    // some consumed lot was opened in the fill's session
}

// ApplyFill mutates the ledger for an accepted fill: FIFO lot consumption
// and creation, cash debit or credit, and settlement scheduling for sale
// proceeds. fillBar is the index of the bar the fill occurred on. Returns
// the fill's effect or an error when an engine invariant is violated.
func (l *Ledger) ApplyFill(fill domain.Fill, fillBar, settlementDays int) (FillEffect, error) {
	if fill.Quantity <= 0 {
		return FillEffect{}, fmt.Errorf("ledger: fill quantity must be positive, got %v", fill.Quantity)
	}

	pos := l.Positions[fill.Symbol]
	if pos == nil {
		pos = &Position{}
		l.Positions[fill.Symbol] = pos
	}

	closingLong := fill.Side == domain.OrderSideSell
	remaining, grossRealized, closedQty, sameSession := consumeLots(pos, fill, closingLong)

	// Remainder opens new exposure in the fill's direction.
	if remaining > 0 {
		qty := remaining
		if fill.Side == domain.OrderSideSell {
			qty = -remaining
		}
		pos.Lots = append(pos.Lots, Lot{Quantity: qty, EntryPrice: fill.Price, EntryTime: fill.Timestamp})
	}

	// Allocate this fill's costs to the closing portion for reporting.
	realized := grossRealized
	if closedQty > 0 {
		realized -= (fill.Commission + fill.SlippageCost) * closedQty / fill.Quantity
	}
	pos.RealizedPnL += realized
	l.Realized += realized

	notional := fill.Price * fill.Quantity
	if fill.Side == domain.OrderSideBuy {
		l.Cash -= notional + fill.Commission
	} else {
		proceeds := notional - fill.Commission
		if settlementDays > 0 {
			l.SettlementQueue = append(l.SettlementQueue, SettlementEntry{
				ReleaseBar: fillBar + settlementDays,
				Amount:     proceeds,
			})
			l.UnsettledCash += proceeds
		} else {
			l.Cash += proceeds
		}
	}

	if len(pos.Lots) == 0 {
		delete(l.Positions, fill.Symbol)
	}
	return FillEffect{Realized: realized, ClosedQty: closedQty, SameSessionClose: sameSession}, nil
}

// consumeLots closes opposing lots oldest-first. Returns the unconsumed
// quantity, gross realized P&L, the closed quantity, and whether any
// consumed lot was opened in the fill's session.
func consumeLots(pos *Position, fill domain.Fill, closingLong bool) (remaining, realized, closedQty float64, sameSession bool) {
	remaining = fill.Quantity
	i := 0
	for remaining > 0 && i < len(pos.Lots) {
		lot := &pos.Lots[i]
		if closingLong && lot.Quantity <= 0 || !closingLong && lot.Quantity >= 0 {
			i++
			continue
		}

		closeQty := math.Min(remaining, math.Abs(lot.Quantity))
		if closingLong {
			realized += (fill.Price - lot.EntryPrice) * closeQty
			lot.Quantity -= closeQty
		} else {
			realized += (lot.EntryPrice - fill.Price) * closeQty
			lot.Quantity += closeQty
		}
		if util.SameSession(lot.EntryTime, fill.Timestamp) {
			sameSession = true
		}
		remaining -= closeQty
		closedQty += closeQty

		if lot.Quantity == 0 {
			pos.Lots = append(pos.Lots[:i], pos.Lots[i+1:]...)
		} else {
			i++
		}
	}
	return remaining, realized, closedQty, sameSession
}

// ReleaseSettlement moves queue entries whose release bar has arrived from
// unsettled cash into settled cash.
func (l *Ledger) ReleaseSettlement(currentBar int) {
	var pending []SettlementEntry
	for _, e := range l.SettlementQueue {
		if e.ReleaseBar <= currentBar {
			l.UnsettledCash -= e.Amount
			l.Cash += e.Amount
		} else {
			pending = append(pending, e)
		}
	}
	l.SettlementQueue = pending
}

// NetQuantity returns the signed net position for a symbol, zero when flat.
func (l *Ledger) NetQuantity(symbol string) float64 {
	if pos, ok := l.Positions[symbol]; ok {
		return pos.NetQuantity()
	}
	return 0
}

// WouldCloseSameSession reports whether an order of the given side and
// quantity would, via FIFO consumption, close any lot opened in the session
// containing ts. The risk engine uses this to flag prospective day trades
// before the fill exists.
func (l *Ledger) WouldCloseSameSession(symbol string, side domain.OrderSide, qty float64, ts time.Time) bool {
	pos, ok := l.Positions[symbol]
	if !ok {
		return false
	}
	closingLong := side == domain.OrderSideSell
	remaining := qty
	for _, lot := range pos.Lots {
		if remaining <= 0 {
			break
		}
		if closingLong && lot.Quantity <= 0 || !closingLong && lot.Quantity >= 0 {
			continue
		}
		if util.SameSession(lot.EntryTime, ts) {
			return true
		}
		remaining -= math.Abs(lot.Quantity)
	}
	return false
}

// RecordDayTrade appends a day-trade timestamp.
func (l *Ledger) RecordDayTrade(ts time.Time) {
	l.DayTrades = append(l.DayTrades, ts)
}

// DayTradesRemaining returns how many day trades remain inside the rolling
// five-session window ending at now.
func (l *Ledger) DayTradesRemaining(now time.Time) int {
	used := 0
	for _, ts := range l.DayTrades {
		age := util.SessionsBetween(ts, now)
		if age >= 0 && age < 5 {
			used++
		}
	}
	if used >= PDTAllowance {
		return 0
	}
	return PDTAllowance - used
}

// Equity values the account at the given mark prices: settled cash plus
// unsettled cash plus signed mark value of every lot. Symbols missing from
// marks fall back to their average entry price.
func (l *Ledger) Equity(marks map[string]float64) float64 {
	equity := l.Cash + l.UnsettledCash
	for symbol, pos := range l.Positions {
		mark, ok := marks[symbol]
		if !ok {
			mark = pos.AvgEntryPrice()
		}
		equity += pos.NetQuantity() * mark
	}
	return equity
}

// RealizedPnL is the aggregate realized P&L across all symbols, including
// symbols whose position records were removed after going flat.
func (l *Ledger) RealizedPnL() float64 {
	return l.Realized
}

// ApplyBorrowCost charges one day of borrow on every short position at the
// given marks and annual rate.
func (l *Ledger) ApplyBorrowCost(marks map[string]float64, annualRate float64) {
	if annualRate <= 0 {
		return
	}
	for symbol, pos := range l.Positions {
		qty := pos.NetQuantity()
		if qty >= 0 {
			continue
		}
		mark, ok := marks[symbol]
		if !ok {
			mark = pos.AvgEntryPrice()
		}
		l.Cash -= math.Abs(qty) * mark * annualRate / 365
	}
}

// RecordEquity appends one equity sample. The curve is append-only and must
// stay monotonically ordered by timestamp; violating that is an engine
// defect.
func (l *Ledger) RecordEquity(ts time.Time, equity float64) error {
	if n := len(l.EquityCurve); n > 0 && ts.Before(l.EquityCurve[n-1].Timestamp) {
		return fmt.Errorf("ledger: equity sample at %v precedes last sample at %v", ts, l.EquityCurve[n-1].Timestamp)
	}
	l.EquityCurve = append(l.EquityCurve, domain.EquityPoint{Timestamp: ts, Equity: equity})
	return nil
}

// Snapshot is an immutable view of the ledger at one instant, valued at the
// supplied marks. The risk engine evaluates constraints against it rather
// than against live state.
type Snapshot struct {
	Cash               float64
	UnsettledCash      float64
	Equity             float64
	GrossNotional      float64
	NetQuantities      map[string]float64
	DayTradesRemaining int
	Timestamp          time.Time
}

// Snapshot captures the current state valued at the given marks.
func (l *Ledger) Snapshot(marks map[string]float64, ts time.Time) Snapshot {
	net := make(map[string]float64, len(l.Positions))
	var gross float64
	for symbol, pos := range l.Positions {
		qty := pos.NetQuantity()
		net[symbol] = qty
		mark, ok := marks[symbol]
		if !ok {
			mark = pos.AvgEntryPrice()
		}
		gross += math.Abs(qty) * mark
	}
	return Snapshot{
		Cash:               l.Cash,
		UnsettledCash:      l.UnsettledCash,
		Equity:             l.Equity(marks),
		GrossNotional:      gross,
		NetQuantities:      net,
		DayTradesRemaining: l.DayTradesRemaining(ts),
		Timestamp:          ts,
	}
}

// CheckInvariants verifies internal consistency: no zero or dangling lots
// and a non-negative unsettled balance. Used by tests and after restores.
func (l *Ledger) CheckInvariants() error {
	for symbol, pos := range l.Positions {
		if len(pos.Lots) == 0 {
			return fmt.Errorf("ledger: empty position record retained for %s", symbol)
		}
		for _, lot := range pos.Lots {
			if lot.Quantity == 0 {
				return fmt.Errorf("ledger: zero-quantity lot for %s", symbol)
			}
		}
	}
	if l.UnsettledCash < -1e-9 {
		return fmt.Errorf("ledger: negative unsettled cash %v", l.UnsettledCash)
	}
	return nil
}
