package orders

import (
	"fmt"

	"barsim/internal/domain"
)

// BracketManager spawns OCO exit legs for filled bracket parents and
// enforces one-cancels-other semantics through the order arena.
type BracketManager struct {
	book *Book
}

// NewBracketManager creates a BracketManager operating on the given book.
func NewBracketManager(book *Book) *BracketManager {
	return &BracketManager{book: book}
}

// Spawn creates the exit legs for a filled bracket parent. Children carry
// the parent's quantity on the opposite side, activate at activateBar (the
// bar after the parent fill, never the same bar), and are GTC so a
// protective stop cannot silently expire. Returns the created legs.
func (m *BracketManager) Spawn(parent *WorkingOrder, fill domain.Fill, activateBar int) ([]*WorkingOrder, error) {
	req := parent.Request
	exitSide := req.Side.Opposite()

	var legs []*WorkingOrder
	var slID, tpID string

	if req.StopLoss != 0 {
		slID = req.ID + "/sl"
		leg, err := m.book.Add(domain.OrderRequest{
			ID:          slID,
			Symbol:      req.Symbol,
			Side:        exitSide,
			Type:        domain.OrderTypeStop,
			Quantity:    req.Quantity,
			TimeInForce: domain.TimeInForceGTC,
			StopPrice:   req.StopLoss,
			SubmittedAt: fill.Timestamp,
		}, activateBar-1, activateBar)
		if err != nil {
			return nil, fmt.Errorf("spawning stop-loss leg: %w", err)
		}
		leg.ParentOrderID = req.ID
		leg.ParentFillID = fill.ID
		leg.StopLossLeg = true
		legs = append(legs, leg)
	}

	if req.TakeProfit != 0 {
		tpID = req.ID + "/tp"
		leg, err := m.book.Add(domain.OrderRequest{
			ID:          tpID,
			Symbol:      req.Symbol,
			Side:        exitSide,
			Type:        domain.OrderTypeLimit,
			Quantity:    req.Quantity,
			TimeInForce: domain.TimeInForceGTC,
			LimitPrice:  req.TakeProfit,
			SubmittedAt: fill.Timestamp,
		}, activateBar-1, activateBar)
		if err != nil {
			return nil, fmt.Errorf("spawning take-profit leg: %w", err)
		}
		leg.ParentOrderID = req.ID
		leg.ParentFillID = fill.ID
		legs = append(legs, leg)
	}

	// Cross-link siblings by id only.
	if slID != "" && tpID != "" {
		m.book.Get(slID).SiblingID = tpID
		m.book.Get(tpID).SiblingID = slID
	}
	return legs, nil
}

// PreferAdverseLeg returns which of a bracket pair should be evaluated when
// both legs' trigger conditions are met within one bar: the stop-loss
// (adverse) leg wins, the conservative policy that avoids overstating
// performance. For a non-bracket order or an order whose sibling is
// already terminal it returns the order itself.
func (m *BracketManager) PreferAdverseLeg(w *WorkingOrder, bar domain.Bar, currentBar int) *WorkingOrder {
	if w.SiblingID == "" {
		return w
	}
	sibling := m.book.Get(w.SiblingID)
	if sibling == nil || !sibling.EligibleAt(currentBar) {
		return w
	}

	selfMatch := MatchOrder(w.Request, bar)
	sibMatch := MatchOrder(sibling.Request, bar)
	if selfMatch.Filled && sibMatch.Filled {
		if sibling.StopLossLeg {
			return sibling
		}
		return w
	}
	return w
}

// ResolveFill cancels the sibling leg after one leg of a bracket fills.
// Cancellation is atomic with the fill: by the time the fill is recorded,
// the sibling can never execute.
func (m *BracketManager) ResolveFill(filled *WorkingOrder) error {
	if filled.SiblingID == "" {
		return nil
	}
	sibling := m.book.Get(filled.SiblingID)
	if sibling == nil || sibling.Status.Terminal() {
		return nil
	}
	return m.book.Transition(sibling.Request.ID, domain.OrderStatusCancelled)
}
