// Package orders tracks working-order lifecycle, OHLC matching rules, and
// bracket (OCO) linkage. Orders live in an arena keyed by stable order id;
// bracket siblings reference each other by id, never by pointer.
package orders

import (
	"fmt"

	"barsim/internal/domain"
)

// WorkingOrder is an OrderRequest plus engine-assigned lifecycle state.
type WorkingOrder struct {
	Request       domain.OrderRequest `json:"request"`
	Status        domain.OrderStatus  `json:"status"`
	SubmittedBar  int                 `json:"submitted_bar"`
	EligibleAtBar int                 `json:"eligible_at_bar"`

	// Bracket linkage, empty for plain orders.
	ParentOrderID string `json:"parent_order_id,omitempty"`
	ParentFillID  string `json:"parent_fill_id,omitempty"`
	SiblingID     string `json:"sibling_id,omitempty"`
	StopLossLeg   bool   `json:"stop_loss_leg,omitempty"`
}

// EligibleAt reports whether the order may be considered on the given bar.
func (w *WorkingOrder) EligibleAt(bar int) bool {
	return !w.Status.Terminal() && bar >= w.EligibleAtBar
}

// Book is the order arena. Terminal orders stay archived in the table;
// Working iteration follows stable submission order so a run is
// reproducible regardless of map iteration.
type Book struct {
	Orders   map[string]*WorkingOrder `json:"orders"`
	Sequence []string                 `json:"sequence"`
}

// NewBook creates an empty order book.
func NewBook() *Book {
	return &Book{Orders: make(map[string]*WorkingOrder)}
}

// Add registers a new working order. The request must carry a unique id.
func (b *Book) Add(req domain.OrderRequest, submittedBar, eligibleAtBar int) (*WorkingOrder, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("orders: order id is required")
	}
	if _, exists := b.Orders[req.ID]; exists {
		return nil, fmt.Errorf("orders: duplicate order id %q", req.ID)
	}
	w := &WorkingOrder{
		Request:       req,
		Status:        domain.OrderStatusPending,
		SubmittedBar:  submittedBar,
		EligibleAtBar: eligibleAtBar,
	}
	b.Orders[req.ID] = w
	b.Sequence = append(b.Sequence, req.ID)
	return w, nil
}

// Get returns the order with the given id, or nil.
func (b *Book) Get(id string) *WorkingOrder {
	return b.Orders[id]
}

// Working returns non-terminal orders in submission order.
func (b *Book) Working() []*WorkingOrder {
	var out []*WorkingOrder
	for _, id := range b.Sequence {
		if w := b.Orders[id]; w != nil && !w.Status.Terminal() {
			out = append(out, w)
		}
	}
	return out
}

// Transition moves an order to a new status. Transitions out of a terminal
// status are engine defects.
func (b *Book) Transition(id string, status domain.OrderStatus) error {
	w := b.Orders[id]
	if w == nil {
		return fmt.Errorf("orders: unknown order id %q", id)
	}
	if w.Status.Terminal() {
		return fmt.Errorf("orders: order %q already terminal (%s)", id, w.Status)
	}
	w.Status = status
	return nil
}
