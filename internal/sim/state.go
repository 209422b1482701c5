package sim

import (
	"fmt"
	"maps"
	"time"

	"barsim/internal/checkpoint"
	"barsim/internal/orders"
)

// Checkpoint captures the full run state between bars. The returned state
// shares no mutable references with the simulator except the ledger, book,
// and record slices, which the checkpoint manager serializes immediately.
func (s *Simulator) Checkpoint() (*checkpoint.State, error) {
	rngState, err := s.pcg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("capturing rng state: %w", err)
	}
	return &checkpoint.State{
		BacktestID:       s.backtestID,
		ConfigHash:       s.configHash,
		BarIndex:         s.barIndex,
		FillSeq:          s.fillSeq,
		PeakEquity:       s.peakEquity,
		DailyStartEquity: s.dailyStartEquity,
		LastTickAt:       s.lastTickAt,
		LastBarTimes:     maps.Clone(s.lastBarTimes),
		Marks:            maps.Clone(s.marks),
		RNG:              rngState,
		Ledger:           s.ledger,
		Book:             s.book,
		KillSwitch:       *s.ks,
		Pending:          s.pending,
		Fills:            s.fills,
		Rejected:         s.rejected,
	}, nil
}

// Restore replaces the simulator's state with a loaded checkpoint. The
// simulator must have been built from the same configuration; the hash
// check here backstops the one the checkpoint manager already performs.
func (s *Simulator) Restore(st *checkpoint.State) error {
	if st.ConfigHash != s.configHash {
		return fmt.Errorf("%w: checkpoint %.12s, simulator %.12s",
			checkpoint.ErrConfigMismatch, st.ConfigHash, s.configHash)
	}
	if st.Ledger == nil || st.Book == nil {
		return fmt.Errorf("%w: missing ledger or book", checkpoint.ErrCorrupt)
	}
	if err := s.pcg.UnmarshalBinary(st.RNG); err != nil {
		return fmt.Errorf("%w: rng state: %v", checkpoint.ErrCorrupt, err)
	}

	s.backtestID = st.BacktestID
	s.barIndex = st.BarIndex
	s.fillSeq = st.FillSeq
	s.peakEquity = st.PeakEquity
	s.dailyStartEquity = st.DailyStartEquity
	s.lastTickAt = st.LastTickAt
	s.lastBarTimes = st.LastBarTimes
	if s.lastBarTimes == nil {
		s.lastBarTimes = make(map[string]time.Time)
	}
	s.marks = st.Marks
	if s.marks == nil {
		s.marks = make(map[string]float64)
	}
	s.ledger = st.Ledger
	s.book = st.Book
	s.brackets = orders.NewBracketManager(s.book)
	ks := st.KillSwitch
	s.ks = &ks
	s.pending = st.Pending
	s.fills = st.Fills
	s.rejected = st.Rejected
	return nil
}
