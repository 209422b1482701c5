package orders

import "barsim/internal/domain"

// Match is the outcome of testing one order against one bar: whether the
// bar's OHLC trajectory fills the order and at what reference price,
// before slippage.
type Match struct {
	Filled bool
	Price  float64
	// Slippable marks fill types that take price through the book
	// (market and stop executions); limit fills execute at their price
	// or better and carry no slippage.
	Slippable bool
}

// MatchOrder applies the per-type matching rules to a bar.
//
//   - market: fills at the bar open.
//   - limit: fills at the limit, or at the open when the open is already
//     through the limit.
//   - stop: triggers on touch; fills at the stop, or at the open when the
//     bar gapped through it.
//   - stop-limit: the stop trigger converts the order to a resting limit
//     for the remainder of the bar; the pre-trigger open cannot fill it.
func MatchOrder(req domain.OrderRequest, bar domain.Bar) Match {
	switch req.Type {
	case domain.OrderTypeMarket:
		return Match{Filled: true, Price: bar.Open, Slippable: true}
	case domain.OrderTypeLimit:
		return matchLimit(req.Side, req.LimitPrice, bar)
	case domain.OrderTypeStop:
		return matchStop(req.Side, req.StopPrice, bar)
	case domain.OrderTypeStopLimit:
		if !stopTriggered(req.Side, req.StopPrice, bar) {
			return Match{}
		}
		return matchTriggeredLimit(req.Side, req.StopPrice, req.LimitPrice, bar)
	}
	return Match{}
}

// matchTriggeredLimit resolves a stop-limit after its stop has traded. The
// limit only rests for the part of the bar after the trigger, so it fills
// when the trigger price (the stop, or the open when the bar gapped through
// the stop) is already marketable against the limit. A trigger past the
// limit is assumed not to trade back through it within the bar, and the
// fill price is the limit itself.
func matchTriggeredLimit(side domain.OrderSide, stop, limit float64, bar domain.Bar) Match {
	trigger := stop
	if side == domain.OrderSideBuy {
		if bar.Open > trigger { // gapped over
			trigger = bar.Open
		}
		if trigger > limit {
			return Match{}
		}
		return Match{Filled: true, Price: limit}
	}
	if bar.Open < trigger { // gapped under
		trigger = bar.Open
	}
	if trigger < limit {
		return Match{}
	}
	return Match{Filled: true, Price: limit}
}

func matchLimit(side domain.OrderSide, limit float64, bar domain.Bar) Match {
	if side == domain.OrderSideBuy {
		if bar.Low > limit {
			return Match{}
		}
		if bar.Open < limit {
			return Match{Filled: true, Price: bar.Open}
		}
		return Match{Filled: true, Price: limit}
	}
	if bar.High < limit {
		return Match{}
	}
	if bar.Open > limit {
		return Match{Filled: true, Price: bar.Open}
	}
	return Match{Filled: true, Price: limit}
}

func matchStop(side domain.OrderSide, stop float64, bar domain.Bar) Match {
	if !stopTriggered(side, stop, bar) {
		return Match{}
	}
	price := stop
	if side == domain.OrderSideBuy {
		if bar.Open > stop { // gapped over
			price = bar.Open
		}
	} else {
		if bar.Open < stop { // gapped under
			price = bar.Open
		}
	}
	return Match{Filled: true, Price: price, Slippable: true}
}

func stopTriggered(side domain.OrderSide, stop float64, bar domain.Bar) bool {
	if side == domain.OrderSideBuy {
		return bar.High >= stop
	}
	return bar.Low <= stop
}
