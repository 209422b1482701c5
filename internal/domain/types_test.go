package domain

import (
	"testing"
	"time"
)

func TestEnumValues(t *testing.T) {
	if OrderSideBuy != "buy" || OrderSideSell != "sell" {
		t.Error("OrderSide constants have unexpected values")
	}
	if OrderTypeStopLimit != "stop_limit" {
		t.Errorf("OrderTypeStopLimit = %q, want %q", OrderTypeStopLimit, "stop_limit")
	}
	if TimeInForceDay != "day" || TimeInForceGTC != "gtc" {
		t.Error("TimeInForce constants have unexpected values")
	}
	if OrderSideBuy.Opposite() != OrderSideSell {
		t.Error("Opposite() of buy should be sell")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusRejected, OrderStatusExpired, OrderStatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []OrderStatus{OrderStatusPending, OrderStatusEligible} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestRejectReasonPermanence(t *testing.T) {
	if !RejectShortDisabled.Permanent() || !RejectLocateRequired.Permanent() {
		t.Error("short/locate rejections should be permanent")
	}
	for _, r := range []RejectReason{RejectBuyingPower, RejectPositionLimit, RejectMargin, RejectPDT, RejectKillSwitch} {
		if r.Permanent() {
			t.Errorf("%s.Permanent() = true, want false", r)
		}
	}
}

func TestBarMid(t *testing.T) {
	bar := Bar{
		Symbol:    "AAPL",
		Timestamp: time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC),
		Open:      100, High: 110, Low: 90, Close: 105,
		Volume: 1000,
	}
	if got := bar.Mid(); got != 100 {
		t.Errorf("Mid() = %v, want 100", got)
	}
}

func TestOrderRequestHasBracket(t *testing.T) {
	plain := OrderRequest{Symbol: "AAPL", Side: OrderSideBuy, Type: OrderTypeMarket, Quantity: 10}
	if plain.HasBracket() {
		t.Error("order without exit levels should not report a bracket")
	}
	parent := plain
	parent.TakeProfit = 120
	parent.StopLoss = 95
	if !parent.HasBracket() {
		t.Error("order with exit levels should report a bracket")
	}
}
