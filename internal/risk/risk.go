// Package risk evaluates pre-trade constraints against a ledger snapshot.
// Each check is stateless; the only state the package owns is the
// kill-switch latch, which persists across bars once triggered. A failed
// check is an ordinary result, never an error.
package risk

import (
	"fmt"
	"math"
	"time"

	"barsim/internal/config"
	"barsim/internal/domain"
	"barsim/internal/ledger"
)

// KillSwitch latches per trigger type. Once latched it blocks only
// exposure-increasing orders; reducing and closing orders still execute.
type KillSwitch struct {
	DrawdownLatched  bool      `json:"drawdown_latched"`
	DrawdownAt       time.Time `json:"drawdown_at,omitempty"`
	DailyLossLatched bool      `json:"daily_loss_latched"`
	DailyLossAt      time.Time `json:"daily_loss_at,omitempty"`
}

// Engaged reports whether any trigger is latched.
func (k *KillSwitch) Engaged() bool {
	return k.DrawdownLatched || k.DailyLossLatched
}

// Update latches triggers whose thresholds are breached at the given
// equity. Thresholds of zero are disabled. Latches are never cleared.
func (k *KillSwitch) Update(equity, peakEquity, dailyStartEquity float64, cfg *config.SimulatorConfig, ts time.Time) {
	if cfg.MaxDrawdownPct > 0 && !k.DrawdownLatched && equity < peakEquity*(1-cfg.MaxDrawdownPct) {
		k.DrawdownLatched = true
		k.DrawdownAt = ts
	}
	if cfg.MaxDailyLossPct > 0 && !k.DailyLossLatched && equity < dailyStartEquity*(1-cfg.MaxDailyLossPct) {
		k.DailyLossLatched = true
		k.DailyLossAt = ts
	}
}

// Engine evaluates the pre-trade constraint chain for one provider and
// simulator configuration.
type Engine struct {
	provider  *config.ProviderConfig
	simulator *config.SimulatorConfig
}

// NewEngine creates a risk engine for the given configuration.
func NewEngine(provider *config.ProviderConfig, simulator *config.SimulatorConfig) *Engine {
	return &Engine{provider: provider, simulator: simulator}
}

// IncreasesExposure reports whether filling the order would move the net
// position further from flat.
func IncreasesExposure(netQty float64, side domain.OrderSide, qty float64) bool {
	signed := qty
	if side == domain.OrderSideSell {
		signed = -qty
	}
	return math.Abs(netQty+signed) > math.Abs(netQty)
}

// CheckOrder runs every constraint in a fixed order (buying power, position
// limit, margin, short/locate, PDT, kill switch) against the
// pre-fill snapshot. It returns nil when the order passes, or a rejection
// carrying the first failing check's reason. mark is the constraint mark
// price for the order's symbol; isDayTrade flags orders that would close a
// same-session position.
func (e *Engine) CheckOrder(
	order domain.OrderRequest,
	snap ledger.Snapshot,
	mark float64,
	isDayTrade bool,
	ks *KillSwitch,
) *domain.RejectedOrder {
	netQty := snap.NetQuantities[order.Symbol]
	increasing := IncreasesExposure(netQty, order.Side, order.Quantity)
	notional := order.Quantity * mark

	reject := func(reason domain.RejectReason, detail string) *domain.RejectedOrder {
		return &domain.RejectedOrder{
			OrderID:   order.ID,
			Symbol:    order.Symbol,
			Reason:    reason,
			Detail:    detail,
			Timestamp: snap.Timestamp,
		}
	}

	// Buying power: buys pay full notional; short-opening sells post margin.
	available := snap.Cash + snap.UnsettledCash
	if order.Side == domain.OrderSideBuy {
		if notional > available {
			return reject(domain.RejectBuyingPower,
				fmt.Sprintf("order value %.2f exceeds available %.2f", notional, available))
		}
	} else if opensShort(netQty, order.Quantity) {
		required := notional * e.provider.InitialMarginRate
		if required > available {
			return reject(domain.RejectBuyingPower,
				fmt.Sprintf("short margin %.2f exceeds available %.2f", required, available))
		}
	}

	// Position limit: exposure-increasing orders only.
	if increasing {
		if snap.Equity <= 0 {
			return reject(domain.RejectPositionLimit,
				fmt.Sprintf("cannot increase exposure with non-positive equity %.2f", snap.Equity))
		}
		signed := order.Quantity
		if order.Side == domain.OrderSideSell {
			signed = -order.Quantity
		}
		resulting := math.Abs(netQty+signed) * mark
		if maxValue := e.simulator.MaxPositionPct * snap.Equity; resulting > maxValue {
			return reject(domain.RejectPositionLimit,
				fmt.Sprintf("resulting position %.2f exceeds max %.2f", resulting, maxValue))
		}
	}

	// Margin: projected gross exposure across symbols must be collateralised.
	if increasing {
		required := (snap.GrossNotional + notional) * e.provider.InitialMarginRate
		if required > snap.Equity {
			return reject(domain.RejectMargin,
				fmt.Sprintf("required margin %.2f exceeds equity %.2f", required, snap.Equity))
		}
	}

	// Short permission and locate.
	if order.Side == domain.OrderSideSell && opensShort(netQty, order.Quantity) {
		if !e.provider.ShortEnabled {
			return reject(domain.RejectShortDisabled,
				fmt.Sprintf("sell qty %v exceeds position %v with shorting disabled", order.Quantity, math.Max(netQty, 0)))
		}
		if e.provider.LocateRequired && !hasLocate(order) {
			return reject(domain.RejectLocateRequired,
				fmt.Sprintf("no locate metadata for short sale of %s", order.Symbol))
		}
	}

	// PDT: never blocks a position-closing order that is not a day trade.
	if e.provider.PDTEnabled && isDayTrade && snap.DayTradesRemaining <= 0 {
		return reject(domain.RejectPDT, "no day trades remaining in rolling window")
	}

	// Kill switch: asymmetric by construction.
	if ks != nil && ks.Engaged() && increasing {
		return reject(domain.RejectKillSwitch, "kill switch engaged; exposure-increasing orders blocked")
	}

	return nil
}

// opensShort reports whether a sell of qty against the given net position
// would create or extend a short.
func opensShort(netQty, qty float64) bool {
	return qty > netQty
}

func hasLocate(order domain.OrderRequest) bool {
	if order.Metadata == nil {
		return false
	}
	return order.Metadata["locate_available"] == "true" || order.Metadata["locate_borrowed"] == "true"
}
