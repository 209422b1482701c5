// Package sim drives the bar-by-bar event loop. Each tick runs a fixed
// phase sequence over all symbols sharing one timestamp: time advance and
// session roll, settlement release, the risk snapshot, order intake, the
// risk gate, matching, costing, ledger update, bracket handling, the
// equity sample, and lifecycle cleanup. Phase order never varies, and all iteration
// follows submission order, so a run is a pure function of its inputs and
// seed.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"

	"barsim/internal/checkpoint"
	"barsim/internal/config"
	"barsim/internal/cost"
	"barsim/internal/domain"
	"barsim/internal/ledger"
	"barsim/internal/orders"
	"barsim/internal/risk"
	"barsim/internal/util"
)

// ErrDataIntegrity marks fatal input defects: out-of-order or duplicate
// bars, mixed timestamps within a tick, or orders for symbols the feed
// never carries. The run aborts rather than producing silently wrong
// results.
var ErrDataIntegrity = errors.New("sim: data integrity violation")

// Simulator owns all mutable run state. It is not safe for concurrent use;
// the event loop is strictly single-threaded.
type Simulator struct {
	provider *config.ProviderConfig
	simCfg   *config.SimulatorConfig
	logger   *slog.Logger

	fee        cost.FeeModel
	slip       cost.SlippageModel
	riskEngine *risk.Engine

	pcg *rand.PCG
	rng *rand.Rand

	backtestID string
	configHash string

	ledger   *ledger.Ledger
	book     *orders.Book
	brackets *orders.BracketManager
	ks       *risk.KillSwitch

	barIndex         int
	fillSeq          uint64
	peakEquity       float64
	dailyStartEquity float64
	lastTickAt       time.Time
	lastBarTimes     map[string]time.Time
	marks            map[string]float64

	pending  []domain.OrderRequest
	fills    []domain.Fill
	rejected []domain.RejectedOrder
}

// New builds a Simulator from validated configuration. The backtest id is
// freshly generated; the RNG is seeded from the configured seed so runs
// with identical inputs are identical.
func New(provider *config.ProviderConfig, simCfg *config.SimulatorConfig, logger *slog.Logger) (*Simulator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fee, err := cost.NewFeeModel(provider.FeeModel)
	if err != nil {
		return nil, err
	}
	slip, err := cost.NewSlippageModel(provider.SlippageModel)
	if err != nil {
		return nil, err
	}
	hash, err := config.Hash(provider, simCfg)
	if err != nil {
		return nil, err
	}

	pcg := rand.NewPCG(simCfg.RandomSeed, 0)
	book := orders.NewBook()
	return &Simulator{
		provider:     provider,
		simCfg:       simCfg,
		logger:       logger,
		fee:          fee,
		slip:         slip,
		riskEngine:   risk.NewEngine(provider, simCfg),
		pcg:          pcg,
		rng:          rand.New(pcg),
		backtestID:   uuid.NewString(),
		configHash:   hash,
		ledger:       ledger.New(simCfg.InitialCapital),
		book:         book,
		brackets:     orders.NewBracketManager(book),
		ks:           &risk.KillSwitch{},
		lastBarTimes: make(map[string]time.Time),
		marks:        make(map[string]float64),
	}, nil
}

// BacktestID returns the run's identity.
func (s *Simulator) BacktestID() string { return s.backtestID }

// ConfigHash returns the hash of the configuration this run was built from.
func (s *Simulator) ConfigHash() string { return s.configHash }

// Submit queues an order for intake on the next processed tick. The order
// becomes eligible for matching MinOrderDelayBars after intake.
func (s *Simulator) Submit(req domain.OrderRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	if s.book.Get(req.ID) != nil {
		return fmt.Errorf("sim: duplicate order id %q", req.ID)
	}
	for _, p := range s.pending {
		if p.ID == req.ID {
			return fmt.Errorf("sim: duplicate order id %q", req.ID)
		}
	}
	if req.TimeInForce == "" {
		req.TimeInForce = domain.TimeInForceGTC
	}
	s.pending = append(s.pending, req)
	return nil
}

func validateRequest(req domain.OrderRequest) error {
	if req.ID == "" {
		return fmt.Errorf("sim: order id is required")
	}
	if req.Symbol == "" {
		return fmt.Errorf("sim: order %s: symbol is required", req.ID)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("sim: order %s: quantity must be > 0, got %v", req.ID, req.Quantity)
	}
	switch req.Side {
	case domain.OrderSideBuy, domain.OrderSideSell:
	default:
		return fmt.Errorf("sim: order %s: unknown side %q", req.ID, req.Side)
	}
	switch req.Type {
	case domain.OrderTypeMarket:
	case domain.OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return fmt.Errorf("sim: order %s: limit order requires a positive limit price", req.ID)
		}
	case domain.OrderTypeStop:
		if req.StopPrice <= 0 {
			return fmt.Errorf("sim: order %s: stop order requires a positive stop price", req.ID)
		}
	case domain.OrderTypeStopLimit:
		if req.LimitPrice <= 0 || req.StopPrice <= 0 {
			return fmt.Errorf("sim: order %s: stop-limit order requires positive stop and limit prices", req.ID)
		}
	default:
		return fmt.Errorf("sim: order %s: unknown type %q", req.ID, req.Type)
	}
	switch req.TimeInForce {
	case "", domain.TimeInForceDay, domain.TimeInForceGTC:
	default:
		return fmt.Errorf("sim: order %s: unknown time in force %q", req.ID, req.TimeInForce)
	}
	return nil
}

// Step processes one tick: every bar in bars shares one timestamp, one bar
// per symbol. Returns ErrDataIntegrity-wrapped errors on input defects and
// plain errors on internal invariant violations.
func (s *Simulator) Step(ctx context.Context, bars []domain.Bar) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Phase 1: advance time, validate ordering, roll the session.
	ts, tick, err := s.advance(bars)
	if err != nil {
		return err
	}

	// Phase 2: release settled sale proceeds.
	s.ledger.ReleaseSettlement(s.barIndex)

	// Phase 3: risk snapshot. Mark every traded symbol at the bar
	// midpoint, then recompute equity and latch the kill switch before
	// any order is gated this bar.
	for sym, b := range tick {
		s.marks[sym] = b.Mid()
	}
	equity := s.ledger.Equity(s.marks)
	if equity > s.peakEquity {
		s.peakEquity = equity
	}
	s.ks.Update(equity, s.peakEquity, s.dailyStartEquity, s.simCfg, ts)

	// Phase 4: intake queued submissions. Eligibility starts
	// MinOrderDelayBars after intake; with a zero delay an order can match
	// at its own submission bar.
	delay := s.simCfg.MinOrderDelayBars
	if delay < 0 {
		delay = 0
	}
	for _, req := range s.pending {
		if _, err := s.book.Add(req, s.barIndex, s.barIndex+delay); err != nil {
			return err
		}
		s.logger.Debug("order admitted", "order_id", req.ID, "symbol", req.Symbol, "eligible_at_bar", s.barIndex+delay)
	}
	s.pending = nil

	// Phases 5 to 9: gate, match, cost, settle into the ledger, and handle
	// brackets, per working order in submission order.
	for _, w := range s.book.Working() {
		if !w.EligibleAt(s.barIndex) {
			continue
		}
		bar, ok := tick[w.Request.Symbol]
		if !ok {
			continue
		}
		if w.Status == domain.OrderStatusPending {
			if err := s.book.Transition(w.Request.ID, domain.OrderStatusEligible); err != nil {
				return err
			}
		}
		// When both legs of a bracket would trigger this bar, only the
		// stop-loss leg proceeds.
		if pref := s.brackets.PreferAdverseLeg(w, bar, s.barIndex); pref != w {
			continue
		}
		if err := s.processOrder(w, bar, ts); err != nil {
			return err
		}
	}

	// Phase 10: sample equity after this bar's fills.
	if err := s.ledger.RecordEquity(ts, s.ledger.Equity(s.marks)); err != nil {
		return err
	}

	// Phase 11: advance the bar cursor.
	s.barIndex++
	return nil
}

// advance validates the tick against the feed ordering invariants and
// performs the session roll when the tick opens a new session.
func (s *Simulator) advance(bars []domain.Bar) (time.Time, map[string]domain.Bar, error) {
	if len(bars) == 0 {
		return time.Time{}, nil, fmt.Errorf("%w: empty tick at bar %d", ErrDataIntegrity, s.barIndex)
	}
	ts := bars[0].Timestamp
	tick := make(map[string]domain.Bar, len(bars))
	for _, b := range bars {
		if !b.Timestamp.Equal(ts) {
			return time.Time{}, nil, fmt.Errorf("%w: mixed timestamps in tick at %v (%s at %v)",
				ErrDataIntegrity, ts, b.Symbol, b.Timestamp)
		}
		if _, dup := tick[b.Symbol]; dup {
			return time.Time{}, nil, fmt.Errorf("%w: duplicate bar for %s at %v", ErrDataIntegrity, b.Symbol, ts)
		}
		if last, ok := s.lastBarTimes[b.Symbol]; ok && !b.Timestamp.After(last) {
			return time.Time{}, nil, fmt.Errorf("%w: bar for %s at %v not after previous bar at %v",
				ErrDataIntegrity, b.Symbol, b.Timestamp, last)
		}
		tick[b.Symbol] = b
	}
	if !s.lastTickAt.IsZero() && !ts.After(s.lastTickAt) {
		return time.Time{}, nil, fmt.Errorf("%w: tick at %v not after previous tick at %v",
			ErrDataIntegrity, ts, s.lastTickAt)
	}

	if s.lastTickAt.IsZero() {
		// First tick: the daily baseline is starting equity.
		s.dailyStartEquity = s.ledger.Equity(s.marks)
		s.peakEquity = s.dailyStartEquity
	} else if !util.SameSession(s.lastTickAt, ts) {
		s.rollSession(ts)
	}

	for sym, b := range tick {
		s.lastBarTimes[sym] = b.Timestamp
	}
	s.lastTickAt = ts
	return ts, tick, nil
}

// rollSession runs once when a tick opens a new trading session: DAY orders
// from the closed session expire, shorts are charged a day of borrow at the
// prior session's marks, and the daily loss baseline resets.
func (s *Simulator) rollSession(ts time.Time) {
	for _, w := range s.book.Working() {
		if w.Request.TimeInForce != domain.TimeInForceDay {
			continue
		}
		if err := s.book.Transition(w.Request.ID, domain.OrderStatusExpired); err == nil {
			s.logger.Debug("day order expired", "order_id", w.Request.ID, "symbol", w.Request.Symbol)
		}
	}
	s.ledger.ApplyBorrowCost(s.marks, s.provider.BorrowRateAnnual)
	s.dailyStartEquity = s.ledger.Equity(s.marks)
	s.logger.Debug("session rolled", "session", util.SessionDate(ts), "daily_start_equity", s.dailyStartEquity)
}

// processOrder takes one eligible working order through the risk gate,
// matching, costing, the ledger, and bracket handling.
func (s *Simulator) processOrder(w *orders.WorkingOrder, bar domain.Bar, ts time.Time) error {
	req := w.Request
	mark := bar.Mid()
	snap := s.ledger.Snapshot(s.marks, ts)
	isDayTrade := s.ledger.WouldCloseSameSession(req.Symbol, req.Side, req.Quantity, ts)

	if rej := s.riskEngine.CheckOrder(req, snap, mark, isDayTrade, s.ks); rej != nil {
		s.rejected = append(s.rejected, *rej)
		s.logger.Debug("order rejected", "order_id", req.ID, "symbol", req.Symbol,
			"reason", rej.Reason, "detail", rej.Detail)
		// Only GTC orders survive a transient rejection for re-evaluation
		// on later bars.
		if rej.Reason.Permanent() || req.TimeInForce == domain.TimeInForceDay {
			return s.book.Transition(req.ID, domain.OrderStatusRejected)
		}
		return nil
	}

	m := orders.MatchOrder(req, bar)
	if !m.Filled {
		return nil
	}

	price := m.Price
	var slipCost float64
	if m.Slippable {
		perShare := s.slip.Calculate(req, bar, s.rng)
		if req.Side == domain.OrderSideBuy {
			price += perShare
		} else {
			price -= perShare
		}
		slipCost = perShare * req.Quantity
	}
	// Resting limit fills away from the open add liquidity.
	maker := !m.Slippable && m.Price != bar.Open
	commission := s.fee.Calculate(req, price, maker)

	s.fillSeq++
	fill := domain.Fill{
		ID:           fmt.Sprintf("%s-%08d", s.backtestID, s.fillSeq),
		OrderID:      req.ID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Price:        price,
		Commission:   commission,
		SlippageCost: slipCost,
		Provider:     s.provider.Name,
		Timestamp:    ts,
	}

	effect, err := s.ledger.ApplyFill(fill, s.barIndex, s.provider.SettlementDays)
	if err != nil {
		return fmt.Errorf("applying fill for order %s: %w", req.ID, err)
	}
	fill.RealizedPnL = effect.Realized
	s.fills = append(s.fills, fill)
	if effect.SameSessionClose && effect.ClosedQty > 0 {
		s.ledger.RecordDayTrade(ts)
	}

	if err := s.book.Transition(req.ID, domain.OrderStatusFilled); err != nil {
		return err
	}
	if err := s.brackets.ResolveFill(w); err != nil {
		return err
	}
	// A filled bracket parent spawns its exit legs, active from the next bar.
	if req.HasBracket() && w.ParentOrderID == "" {
		if _, err := s.brackets.Spawn(w, fill, s.barIndex+1); err != nil {
			return err
		}
	}

	s.logger.Debug("fill", "order_id", req.ID, "symbol", req.Symbol, "side", req.Side,
		"qty", req.Quantity, "price", price, "commission", commission, "realized", effect.Realized)
	return nil
}

// Run drives the full feed: each element of feed is one tick. Orders from
// schedule are submitted ahead of the first tick at or after their
// SubmittedAt time, preserving schedule order for identical timestamps; the
// schedule itself is never mutated. On a restored simulator the same
// schedule file can be passed whole: entries due at or before the
// checkpointed tick are skipped. ckpt, when non-nil, saves state every
// CheckpointInterval bars.
func (s *Simulator) Run(ctx context.Context, feed [][]domain.Bar, schedule []domain.OrderRequest, ckpt *checkpoint.Manager) (*Result, error) {
	symbols := make(map[string]bool)
	for _, tick := range feed {
		for _, b := range tick {
			symbols[b.Symbol] = true
		}
	}
	for _, req := range schedule {
		if !symbols[req.Symbol] {
			return nil, fmt.Errorf("%w: order %s references symbol %s absent from the feed",
				ErrDataIntegrity, req.ID, req.Symbol)
		}
	}

	sched := append([]domain.OrderRequest(nil), schedule...)
	sort.SliceStable(sched, func(i, j int) bool {
		return sched[i].SubmittedAt.Before(sched[j].SubmittedAt)
	})

	next := 0
	// A restored run already carries every order due at or before the
	// checkpointed tick in its book and pending queue; resubmitting them
	// would collide on ids.
	if !s.lastTickAt.IsZero() {
		for next < len(sched) && !sched[next].SubmittedAt.After(s.lastTickAt) {
			next++
		}
	}
	for _, tick := range feed {
		if len(tick) == 0 {
			return nil, fmt.Errorf("%w: empty tick in feed", ErrDataIntegrity)
		}
		ts := tick[0].Timestamp
		for next < len(sched) && !sched[next].SubmittedAt.After(ts) {
			if err := s.Submit(sched[next]); err != nil {
				return nil, err
			}
			next++
		}
		if err := s.Step(ctx, tick); err != nil {
			return nil, err
		}
		if ckpt != nil && s.simCfg.CheckpointInterval > 0 && s.barIndex%s.simCfg.CheckpointInterval == 0 {
			st, err := s.Checkpoint()
			if err != nil {
				return nil, err
			}
			if _, err := ckpt.Save(st); err != nil {
				return nil, err
			}
		}
	}

	res := s.Result()
	s.logger.Info("run complete", "backtest_id", s.backtestID, "bars", res.BarsProcessed,
		"fills", len(res.Fills), "rejections", len(res.Rejected), "final_equity", res.FinalEquity)
	return res, nil
}
