// Package domain defines the shared value types exchanged between the
// simulation engine and its collaborators: bars, order requests, fills, and
// rejection records. All types here are immutable once constructed.
package domain

import "time"

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce controls how long an unfilled order stays working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// OrderStatus is the lifecycle state of a working order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusEligible  OrderStatus = "eligible"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status ends the order's lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusExpired, OrderStatusCancelled:
		return true
	}
	return false
}

// RejectReason identifies which pre-trade constraint rejected an order.
type RejectReason string

const (
	RejectBuyingPower    RejectReason = "buying_power"
	RejectPositionLimit  RejectReason = "position_limit"
	RejectMargin         RejectReason = "margin"
	RejectShortDisabled  RejectReason = "short_disabled"
	RejectLocateRequired RejectReason = "locate_required"
	RejectPDT            RejectReason = "pdt"
	RejectKillSwitch     RejectReason = "kill_switch"
)

// Permanent reports whether the reason terminates the order for good, as
// opposed to a transient condition re-checked on later bars.
func (r RejectReason) Permanent() bool {
	return r == RejectShortDisabled || r == RejectLocateRequired
}

// Bar is a single OHLCV observation for a symbol. Bars within one symbol
// stream must be strictly increasing in timestamp.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Mid returns the bar's high/low midpoint, the mark price used for open
// position valuation.
func (b Bar) Mid() float64 {
	return (b.High + b.Low) / 2
}

// OrderRequest is an externally sized order submitted to the simulator.
// Price fields are zero when not applicable to the order type. TakeProfit
// and StopLoss, when set, make the order a bracket parent. Metadata is
// opaque to the engine except for the short-locate keys checked by the risk
// engine ("locate_available", "locate_borrowed").
type OrderRequest struct {
	ID          string            `json:"id"`
	Symbol      string            `json:"symbol"`
	Side        OrderSide         `json:"side"`
	Type        OrderType         `json:"type"`
	Quantity    float64           `json:"quantity"`
	TimeInForce TimeInForce       `json:"time_in_force"`
	LimitPrice  float64           `json:"limit_price,omitempty"`
	StopPrice   float64           `json:"stop_price,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	TakeProfit  float64           `json:"take_profit,omitempty"`
	StopLoss    float64           `json:"stop_loss,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// HasBracket reports whether the order carries contingent exit levels.
func (o OrderRequest) HasBracket() bool {
	return o.TakeProfit != 0 || o.StopLoss != 0
}

// Fill records one executed order. RealizedPnL is non-zero only when the
// fill closed existing exposure.
type Fill struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"order_id"`
	Symbol       string    `json:"symbol"`
	Side         OrderSide `json:"side"`
	Quantity     float64   `json:"quantity"`
	Price        float64   `json:"price"`
	Commission   float64   `json:"commission"`
	SlippageCost float64   `json:"slippage_cost"`
	RealizedPnL  float64   `json:"realized_pnl"`
	Provider     string    `json:"provider"`
	Timestamp    time.Time `json:"timestamp"`
}

// RejectedOrder records one order rejected by a pre-trade constraint.
type RejectedOrder struct {
	OrderID   string       `json:"order_id"`
	Symbol    string       `json:"symbol"`
	Reason    RejectReason `json:"reason"`
	Detail    string       `json:"detail,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}
