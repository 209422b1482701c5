package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"barsim/internal/checkpoint"
	"barsim/internal/config"
	"barsim/internal/domain"
)

var base = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

// at returns a timestamp on trading day d at hour offset h.
func at(d, h int) time.Time {
	return base.AddDate(0, 0, d).Add(time.Duration(h) * time.Hour)
}

func bar(ts time.Time, open, high, low, close float64) []domain.Bar {
	return []domain.Bar{{
		Symbol: "AAPL", Timestamp: ts,
		Open: open, High: high, Low: low, Close: close, Volume: 10000,
	}}
}

func testProvider() *config.ProviderConfig {
	return &config.ProviderConfig{
		Name:                  "mock",
		InitialMarginRate:     1.0,
		MaintenanceMarginRate: 1.0,
		ShortEnabled:          true,
		FeeModel:              config.FeeModelConfig{Kind: config.FeeZeroCommission},
		SlippageModel: config.SlippageModelConfig{
			Kind: config.SlippagePFOF,
			PFOF: &config.PFOFParams{AdverseBps: 0},
		},
	}
}

func testSimCfg() *config.SimulatorConfig {
	return &config.SimulatorConfig{
		InitialCapital:    100000,
		MinOrderDelayBars: 1,
		MaxPositionPct:    1.0,
		RandomSeed:        7,
	}
}

func newSim(t *testing.T, provider *config.ProviderConfig, simCfg *config.SimulatorConfig) *Simulator {
	t.Helper()
	s, err := New(provider, simCfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func marketOrder(id string, side domain.OrderSide, qty float64, submitted time.Time) domain.OrderRequest {
	return domain.OrderRequest{
		ID: id, Symbol: "AAPL", Side: side, Type: domain.OrderTypeMarket,
		Quantity: qty, TimeInForce: domain.TimeInForceGTC, SubmittedAt: submitted,
	}
}

func step(t *testing.T, s *Simulator, bars []domain.Bar) {
	t.Helper()
	if err := s.Step(context.Background(), bars); err != nil {
		t.Fatalf("Step at %v: %v", bars[0].Timestamp, err)
	}
}

func TestNoSameBarExecution(t *testing.T) {
	s := newSim(t, testProvider(), testSimCfg())

	if err := s.Submit(marketOrder("o1", domain.OrderSideBuy, 10, at(0, 0))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	step(t, s, bar(at(0, 0), 100, 101, 99, 100))
	if got := len(s.fills); got != 0 {
		t.Fatalf("order filled on its submission bar: %d fills", got)
	}

	step(t, s, bar(at(0, 1), 105, 106, 104, 105))
	if len(s.fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(s.fills))
	}
	if got := s.fills[0].Price; got != 105 {
		t.Errorf("fill price = %v, want next bar open 105", got)
	}
}

func TestTransientRejectionRetries(t *testing.T) {
	simCfg := testSimCfg()
	simCfg.InitialCapital = 1000
	s := newSim(t, testProvider(), simCfg)

	if err := s.Submit(marketOrder("o1", domain.OrderSideBuy, 20, at(0, 0))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	step(t, s, bar(at(0, 0), 100, 101, 99, 100))
	step(t, s, bar(at(0, 1), 100, 101, 99, 100)) // 2000 notional vs 1000 cash
	if len(s.rejected) != 1 || s.rejected[0].Reason != domain.RejectBuyingPower {
		t.Fatalf("rejected = %+v, want one buying_power rejection", s.rejected)
	}
	if s.book.Get("o1").Status.Terminal() {
		t.Fatal("transient rejection terminated the order")
	}

	// Price halves; the same working order now passes and fills.
	step(t, s, bar(at(0, 2), 40, 41, 39, 40))
	if len(s.fills) != 1 || s.fills[0].Price != 40 {
		t.Fatalf("fills = %+v, want one fill at 40", s.fills)
	}
}

func TestPermanentRejectionTerminates(t *testing.T) {
	provider := testProvider()
	provider.ShortEnabled = false
	s := newSim(t, provider, testSimCfg())

	if err := s.Submit(marketOrder("o1", domain.OrderSideSell, 10, at(0, 0))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	step(t, s, bar(at(0, 0), 100, 101, 99, 100))
	step(t, s, bar(at(0, 1), 100, 101, 99, 100))
	step(t, s, bar(at(0, 2), 100, 101, 99, 100))

	if len(s.rejected) != 1 || s.rejected[0].Reason != domain.RejectShortDisabled {
		t.Fatalf("rejected = %+v, want exactly one short_disabled rejection", s.rejected)
	}
	if got := s.book.Get("o1").Status; got != domain.OrderStatusRejected {
		t.Errorf("order status = %s, want rejected", got)
	}
}

func TestDayOrderExpiresAtSessionRoll(t *testing.T) {
	s := newSim(t, testProvider(), testSimCfg())

	req := domain.OrderRequest{
		ID: "o1", Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Quantity: 10, TimeInForce: domain.TimeInForceDay, LimitPrice: 90, SubmittedAt: at(0, 0),
	}
	if err := s.Submit(req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	step(t, s, bar(at(0, 0), 100, 101, 99, 100))
	step(t, s, bar(at(0, 1), 100, 101, 99, 100)) // limit never touched
	if s.book.Get("o1").Status.Terminal() {
		t.Fatal("day order terminated before session end")
	}

	step(t, s, bar(at(1, 0), 100, 101, 99, 100))
	if got := s.book.Get("o1").Status; got != domain.OrderStatusExpired {
		t.Errorf("order status after roll = %s, want expired", got)
	}
	if len(s.fills) != 0 {
		t.Errorf("expired order produced fills: %+v", s.fills)
	}
}

func TestKillSwitchBlocksOnlyIncreasingOrders(t *testing.T) {
	simCfg := testSimCfg()
	simCfg.InitialCapital = 10000
	simCfg.MaxDrawdownPct = 0.1
	s := newSim(t, testProvider(), simCfg)

	if err := s.Submit(marketOrder("open", domain.OrderSideBuy, 50, at(0, 0))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	step(t, s, bar(at(0, 0), 100, 101, 99, 100))
	step(t, s, bar(at(0, 1), 100, 101, 99, 100)) // fills 50 @ 100

	// Crash: equity 5000 + 50*70 = 8500, below 90% of peak 10000.
	step(t, s, bar(at(0, 2), 70, 72, 68, 70))
	if !s.ks.Engaged() {
		t.Fatal("drawdown breach did not latch the kill switch")
	}

	if err := s.Submit(marketOrder("inc", domain.OrderSideBuy, 10, at(0, 3))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Submit(marketOrder("dec", domain.OrderSideSell, 10, at(0, 3))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	step(t, s, bar(at(0, 3), 70, 71, 69, 70))
	step(t, s, bar(at(0, 4), 70, 71, 69, 70))

	var reasons []domain.RejectReason
	for _, r := range s.rejected {
		reasons = append(reasons, r.Reason)
	}
	if len(reasons) != 1 || reasons[0] != domain.RejectKillSwitch {
		t.Fatalf("rejections = %v, want exactly one kill_switch", reasons)
	}
	if s.rejected[0].OrderID != "inc" {
		t.Errorf("rejected order = %s, want the exposure-increasing one", s.rejected[0].OrderID)
	}
	if len(s.fills) != 2 || s.fills[1].OrderID != "dec" {
		t.Errorf("fills = %+v, want the reducing sell to execute", s.fills)
	}
}

func TestSameSessionRoundTripRecordsDayTrade(t *testing.T) {
	s := newSim(t, testProvider(), testSimCfg())

	if err := s.Submit(marketOrder("b", domain.OrderSideBuy, 10, at(0, 0))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	step(t, s, bar(at(0, 0), 100, 101, 99, 100))
	step(t, s, bar(at(0, 1), 100, 101, 99, 100))

	if err := s.Submit(marketOrder("s", domain.OrderSideSell, 10, at(0, 1))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	step(t, s, bar(at(0, 2), 102, 103, 101, 102))
	step(t, s, bar(at(0, 3), 102, 103, 101, 102))

	if len(s.fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(s.fills))
	}
	if len(s.ledger.DayTrades) != 1 {
		t.Errorf("day trades recorded = %d, want 1", len(s.ledger.DayTrades))
	}
	if got := s.fills[1].RealizedPnL; got != 20 {
		t.Errorf("realized on close = %v, want 20", got)
	}
}

func TestBracketStopLossWinsAndCancelsSibling(t *testing.T) {
	s := newSim(t, testProvider(), testSimCfg())

	parent := marketOrder("p1", domain.OrderSideBuy, 10, at(0, 0))
	parent.TakeProfit = 110
	parent.StopLoss = 95
	if err := s.Submit(parent); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	step(t, s, bar(at(0, 0), 100, 101, 99, 100))
	step(t, s, bar(at(0, 1), 100, 101, 99, 100)) // parent fills, legs spawn

	if s.book.Get("p1/sl") == nil || s.book.Get("p1/tp") == nil {
		t.Fatal("bracket legs not spawned after parent fill")
	}

	// Wide bar triggers both legs; the stop-loss must fill.
	step(t, s, bar(at(0, 2), 100, 112, 94, 100))

	if len(s.fills) != 2 {
		t.Fatalf("fills = %d, want parent plus one leg", len(s.fills))
	}
	leg := s.fills[1]
	if leg.OrderID != "p1/sl" || leg.Price != 95 {
		t.Errorf("leg fill = %+v, want p1/sl at 95", leg)
	}
	if got := s.book.Get("p1/tp").Status; got != domain.OrderStatusCancelled {
		t.Errorf("take-profit status = %s, want cancelled", got)
	}
	if qty := s.ledger.NetQuantity("AAPL"); qty != 0 {
		t.Errorf("net position after bracket exit = %v, want flat", qty)
	}
}

func TestDataIntegrityFatal(t *testing.T) {
	s := newSim(t, testProvider(), testSimCfg())
	step(t, s, bar(at(0, 1), 100, 101, 99, 100))

	err := s.Step(context.Background(), bar(at(0, 0), 100, 101, 99, 100))
	if !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("out-of-order tick: got %v, want ErrDataIntegrity", err)
	}

	s2 := newSim(t, testProvider(), testSimCfg())
	feed := [][]domain.Bar{bar(at(0, 0), 100, 101, 99, 100)}
	unknown := marketOrder("u1", domain.OrderSideBuy, 1, at(0, 0))
	unknown.Symbol = "MSFT"
	if _, err := s2.Run(context.Background(), feed, []domain.OrderRequest{unknown}, nil); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("unknown symbol order: got %v, want ErrDataIntegrity", err)
	}
}

// jitterProvider enables the stochastic slippage component so determinism
// tests exercise the generator state.
func jitterProvider() *config.ProviderConfig {
	p := testProvider()
	p.SlippageModel = config.SlippageModelConfig{
		Kind: config.SlippageVolumeWeighted,
		VolumeWeighted: &config.VolumeWeightedParams{
			BaseBps: 5, VolumeImpact: 10, JitterBps: 10,
		},
	}
	return p
}

func replayFeed() ([][]domain.Bar, []domain.OrderRequest) {
	feed := [][]domain.Bar{
		bar(at(0, 0), 100, 101, 99, 100),
		bar(at(0, 1), 101, 102, 100, 101),
		bar(at(0, 2), 99, 100, 98, 99),
		bar(at(1, 0), 103, 104, 102, 103),
		bar(at(1, 1), 102, 103, 101, 102),
	}
	schedule := []domain.OrderRequest{
		marketOrder("o1", domain.OrderSideBuy, 10, at(0, 0)),
		marketOrder("o2", domain.OrderSideBuy, 5, at(0, 1)),
		marketOrder("o3", domain.OrderSideSell, 15, at(1, 0)),
	}
	return feed, schedule
}

func sameExecution(t *testing.T, a, b *Result) {
	t.Helper()
	if len(a.Fills) != len(b.Fills) {
		t.Fatalf("fill counts differ: %d vs %d", len(a.Fills), len(b.Fills))
	}
	for i := range a.Fills {
		fa, fb := a.Fills[i], b.Fills[i]
		if fa.OrderID != fb.OrderID || fa.Price != fb.Price ||
			fa.SlippageCost != fb.SlippageCost || fa.RealizedPnL != fb.RealizedPnL {
			t.Errorf("fill %d differs: %+v vs %+v", i, fa, fb)
		}
	}
	if len(a.EquityCurve) != len(b.EquityCurve) {
		t.Fatalf("equity curve lengths differ: %d vs %d", len(a.EquityCurve), len(b.EquityCurve))
	}
	for i := range a.EquityCurve {
		pa, pb := a.EquityCurve[i], b.EquityCurve[i]
		if !pa.Timestamp.Equal(pb.Timestamp) || pa.Equity != pb.Equity {
			t.Errorf("equity point %d differs: %+v vs %+v", i, pa, pb)
		}
	}
	if a.FinalEquity != b.FinalEquity {
		t.Errorf("final equity differs: %v vs %v", a.FinalEquity, b.FinalEquity)
	}
}

func TestDeterministicReplay(t *testing.T) {
	feed, schedule := replayFeed()

	run := func() *Result {
		s := newSim(t, jitterProvider(), testSimCfg())
		res, err := s.Run(context.Background(), feed, append([]domain.OrderRequest(nil), schedule...), nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return res
	}
	sameExecution(t, run(), run())
}

func TestCheckpointResumeMatchesUnbrokenRun(t *testing.T) {
	feed, schedule := replayFeed()
	ctx := context.Background()

	// Reference: one uninterrupted run.
	ref := newSim(t, jitterProvider(), testSimCfg())
	refRes, err := ref.Run(ctx, feed, append([]domain.OrderRequest(nil), schedule...), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	submitDue := func(s *Simulator, ts time.Time, next *int) {
		for *next < len(schedule) && !schedule[*next].SubmittedAt.After(ts) {
			if err := s.Submit(schedule[*next]); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			*next++
		}
	}

	// First half, then checkpoint through the manager.
	first := newSim(t, jitterProvider(), testSimCfg())
	next := 0
	for _, tick := range feed[:2] {
		submitDue(first, tick[0].Timestamp, &next)
		step(t, first, tick)
	}
	st, err := first.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	mgr, err := checkpoint.NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	path, err := mgr.Save(st)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Second half on a fresh simulator restored from disk, driven through
	// Run with the whole untrimmed schedule, the way the CLI resumes.
	// Orders admitted before the checkpoint travel in the restored state
	// and must not collide on resubmission.
	resumed := newSim(t, jitterProvider(), testSimCfg())
	loaded, err := mgr.Load(path, resumed.ConfigHash())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := resumed.Restore(loaded); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	resRes, err := resumed.Run(ctx, feed[2:], schedule, nil)
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}

	sameExecution(t, refRes, resRes)
}

func TestZeroDelayFillsOnSubmissionBar(t *testing.T) {
	simCfg := testSimCfg()
	simCfg.MinOrderDelayBars = 0
	s := newSim(t, testProvider(), simCfg)

	if err := s.Submit(marketOrder("o1", domain.OrderSideBuy, 10, at(0, 0))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	step(t, s, bar(at(0, 0), 100, 101, 99, 100))

	if len(s.fills) != 1 || s.fills[0].Price != 100 {
		t.Fatalf("fills = %+v, want one fill at the submission bar open 100", s.fills)
	}
}

func TestRunLeavesScheduleUnchanged(t *testing.T) {
	feed, _ := replayFeed()
	schedule := []domain.OrderRequest{
		marketOrder("late", domain.OrderSideBuy, 1, at(1, 0)),
		marketOrder("early", domain.OrderSideBuy, 1, at(0, 0)),
	}
	s := newSim(t, testProvider(), testSimCfg())
	if _, err := s.Run(context.Background(), feed, schedule, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if schedule[0].ID != "late" || schedule[1].ID != "early" {
		t.Errorf("schedule order after Run = [%s %s], want [late early]", schedule[0].ID, schedule[1].ID)
	}
}

func TestCheckpointLoadRejectsMismatchedConfig(t *testing.T) {
	s := newSim(t, jitterProvider(), testSimCfg())
	step(t, s, bar(at(0, 0), 100, 101, 99, 100))

	st, err := s.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	mgr, err := checkpoint.NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	path, err := mgr.Save(st)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := mgr.Load(path, "different-hash"); !errors.Is(err, checkpoint.ErrConfigMismatch) {
		t.Errorf("Load with wrong hash: got %v, want ErrConfigMismatch", err)
	}
	if _, err := mgr.Load(path, s.ConfigHash()); err != nil {
		t.Errorf("Load with matching hash: %v", err)
	}
}
