// Package fills accumulates maker fill events into per-order filled totals.
// Fill feeds deliver at least once and out of order, so events are
// deduplicated by fill id and the filled total for an order only ever grows.
package fills

import (
	"sync"

	"dn-cycle-bot/internal/venue"

	"go.uber.org/zap"
)

type orderState struct {
	filled   float64
	target   float64
	notional float64 // price-weighted, for avg fill price
}

type Tracker struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	orders map[string]*orderState
	log    *zap.Logger
}

func NewTracker(log *zap.Logger) *Tracker {
	return &Tracker{
		seen:   make(map[string]struct{}),
		orders: make(map[string]*orderState),
		log:    log,
	}
}

// Arm registers an order for tracking. target is the full order size.
func (t *Tracker) Arm(orderID string, target float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders[orderID] = &orderState{target: target}
}

// Disarm stops tracking an order and drops its state.
func (t *Tracker) Disarm(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.orders, orderID)
}

// Record applies one fill event. Duplicate fill ids and fills for orders
// that are not armed are ignored. It reports whether the event advanced
// an armed order's filled total.
func (t *Tracker) Record(ev venue.FillEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.ID != "" {
		if _, dup := t.seen[ev.ID]; dup {
			return false
		}
		t.seen[ev.ID] = struct{}{}
	}
	st, ok := t.orders[ev.OrderID]
	if !ok {
		return false
	}
	if ev.Size <= 0 {
		return false
	}
	st.filled += ev.Size
	st.notional += ev.Size * ev.Price
	if st.filled > st.target && st.target > 0 {
		t.log.Warn("filled beyond target",
			zap.String("order_id", ev.OrderID),
			zap.Float64("filled", st.filled),
			zap.Float64("target", st.target))
	}
	return true
}

// Filled returns the accumulated filled size for an order.
func (t *Tracker) Filled(orderID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.orders[orderID]; ok {
		return st.filled
	}
	return 0
}

// AvgPrice returns the size-weighted average fill price, or 0 when the
// order has no fills.
func (t *Tracker) AvgPrice(orderID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.orders[orderID]
	if !ok || st.filled <= 0 {
		return 0
	}
	return st.notional / st.filled
}

