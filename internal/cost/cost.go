// Package cost implements the commission and slippage models for simulated
// brokers. Models form a closed set selected by config kind; each carries
// its own validated parameter struct. All computations are pure given the
// inputs; the only source of randomness is the caller-supplied generator
// used by models with a stochastic component.
package cost

import (
	"fmt"
	"math"
	"math/rand/v2"

	"barsim/internal/config"
	"barsim/internal/domain"
)

// FeeModel computes the commission for a prospective fill.
type FeeModel interface {
	Calculate(order domain.OrderRequest, fillPrice float64, maker bool) float64
}

// SlippageModel computes the adverse per-share price adjustment for a
// prospective fill. Buys execute above the reference price by this amount,
// sells below it.
type SlippageModel interface {
	Calculate(order domain.OrderRequest, bar domain.Bar, rng *rand.Rand) float64
}

// NewFeeModel builds the commission model named by cfg.Kind.
func NewFeeModel(cfg config.FeeModelConfig) (FeeModel, error) {
	switch cfg.Kind {
	case config.FeeTieredMakerTaker:
		return TieredMakerTakerFee{MakerBps: cfg.TieredMakerTaker.MakerBps, TakerBps: cfg.TieredMakerTaker.TakerBps}, nil
	case config.FeeZeroCommission:
		return ZeroCommissionFee{}, nil
	case config.FeePerShare:
		return PerShareFee{PerShare: cfg.PerShare.PerShare, MinPerOrder: cfg.PerShare.MinPerOrder}, nil
	}
	return nil, fmt.Errorf("unsupported fee model kind %q", cfg.Kind)
}

// NewSlippageModel builds the slippage model named by cfg.Kind.
func NewSlippageModel(cfg config.SlippageModelConfig) (SlippageModel, error) {
	switch cfg.Kind {
	case config.SlippageVolumeWeighted:
		return VolumeWeightedSlippage{
			BaseBps:      cfg.VolumeWeighted.BaseBps,
			VolumeImpact: cfg.VolumeWeighted.VolumeImpact,
			JitterBps:    cfg.VolumeWeighted.JitterBps,
		}, nil
	case config.SlippagePFOF:
		return PFOFSlippage{AdverseBps: cfg.PFOF.AdverseBps}, nil
	case config.SlippageSpreadBased:
		return SpreadBasedSlippage{}, nil
	}
	return nil, fmt.Errorf("unsupported slippage model kind %q", cfg.Kind)
}

// ---------------------------------------------------------------------------
// Fee models
// ---------------------------------------------------------------------------

// TieredMakerTakerFee charges maker/taker commissions in basis points of
// notional.
type TieredMakerTakerFee struct {
	MakerBps float64
	TakerBps float64
}

func (m TieredMakerTakerFee) Calculate(order domain.OrderRequest, fillPrice float64, maker bool) float64 {
	notional := order.Quantity * fillPrice
	bps := m.TakerBps
	if maker {
		bps = m.MakerBps
	}
	return notional * bps / 10000
}

// ZeroCommissionFee is the commission-free model.
type ZeroCommissionFee struct{}

func (ZeroCommissionFee) Calculate(domain.OrderRequest, float64, bool) float64 { return 0 }

// PerShareFee charges a per-share commission with an optional per-order
// minimum.
type PerShareFee struct {
	PerShare    float64
	MinPerOrder float64
}

func (m PerShareFee) Calculate(order domain.OrderRequest, _ float64, _ bool) float64 {
	fee := m.PerShare * order.Quantity
	if fee < m.MinPerOrder {
		fee = m.MinPerOrder
	}
	return fee
}

// ---------------------------------------------------------------------------
// Slippage models
// ---------------------------------------------------------------------------

// VolumeWeightedSlippage scales slippage with the order's participation in
// bar volume. With JitterBps > 0 a folded-normal draw from the simulation
// generator is added, keeping slippage adverse.
type VolumeWeightedSlippage struct {
	BaseBps      float64
	VolumeImpact float64
	JitterBps    float64
}

func (m VolumeWeightedSlippage) Calculate(order domain.OrderRequest, bar domain.Bar, rng *rand.Rand) float64 {
	participation := 0.0
	if bar.Volume > 0 {
		participation = order.Quantity / float64(bar.Volume)
		if participation > 1 {
			participation = 1
		}
	}
	bps := m.BaseBps + m.VolumeImpact*participation
	if m.JitterBps > 0 && rng != nil {
		bps += math.Abs(rng.NormFloat64()) * m.JitterBps
	}
	return bar.Mid() * bps / 10000
}

// PFOFSlippage models fixed adverse selection in basis points, as seen on
// payment-for-order-flow venues.
type PFOFSlippage struct {
	AdverseBps float64
}

func (m PFOFSlippage) Calculate(_ domain.OrderRequest, bar domain.Bar, _ *rand.Rand) float64 {
	return bar.Mid() * m.AdverseBps / 10000
}

// SpreadBasedSlippage executes at half the bar's range, a crude spread
// proxy when no quote data is available.
type SpreadBasedSlippage struct{}

func (SpreadBasedSlippage) Calculate(_ domain.OrderRequest, bar domain.Bar, _ *rand.Rand) float64 {
	return (bar.High - bar.Low) / 2
}
