// Package paper implements a simulated cash ledger for trying spread
// strategies without committing capital. Orders debit cash when placed
// and credit settlement proceeds when closed.
package paper

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"spreadlab/internal/spread"
)

// OrderStatus is the lifecycle state of a paper order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderClosed    OrderStatus = "closed"
)

// Order is one simulated spread purchase.
type Order struct {
	ID        string
	Symbol    string
	Kind      spread.Kind
	Quantity  int
	Cost      float64 // total debit at fill
	Status    OrderStatus
	CreatedAt time.Time
	ClosedAt  time.Time
	Proceeds  float64 // settlement credit, set on close
}

// InsufficientFundsError reports an order larger than available cash.
type InsufficientFundsError struct {
	Cost      float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("order cost $%.2f exceeds available cash $%.2f", e.Cost, e.Available)
}

// Metrics summarizes a ledger's performance.
type Metrics struct {
	TotalValue    float64
	TotalReturn   float64 // percent of initial cash
	TradeCount    int
	AvailableCash float64
}

// Ledger tracks simulated cash and orders. Safe for concurrent use.
type Ledger struct {
	name        string
	initialCash float64

	mu     sync.Mutex
	cash   float64
	orders map[string]*Order
	fills  []string // order IDs in fill sequence

	now func() time.Time
}

// NewLedger creates a ledger with the given starting cash.
func NewLedger(name string, initialCash float64) *Ledger {
	return &Ledger{
		name:        name,
		initialCash: initialCash,
		cash:        initialCash,
		orders:      make(map[string]*Order),
		now:         time.Now,
	}
}

// PlaceOrder debits the order cost from cash and fills it, returning
// the order ID. Orders the ledger cannot cover are rejected.
func (l *Ledger) PlaceOrder(symbol string, kind spread.Kind, quantity int, cost float64) (string, error) {
	if quantity <= 0 {
		return "", fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	if cost <= 0 {
		return "", fmt.Errorf("order cost must be positive, got %.2f", cost)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cost > l.cash {
		return "", &InsufficientFundsError{Cost: cost, Available: l.cash}
	}

	order := &Order{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Kind:      kind,
		Quantity:  quantity,
		Cost:      cost,
		Status:    OrderFilled,
		CreatedAt: l.now(),
	}
	l.cash -= cost
	l.orders[order.ID] = order
	l.fills = append(l.fills, order.ID)
	return order.ID, nil
}

// CloseOrder settles a filled order, crediting proceeds back to cash.
// proceeds is the position's liquidation value, never negative for a
// debit spread.
func (l *Ledger) CloseOrder(id string, proceeds float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.orders[id]
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	if order.Status != OrderFilled {
		return fmt.Errorf("order %s is %s, only filled orders close", id, order.Status)
	}
	if proceeds < 0 {
		proceeds = 0
	}

	order.Status = OrderClosed
	order.ClosedAt = l.now()
	order.Proceeds = proceeds
	l.cash += proceeds
	return nil
}

// Order returns a copy of the order with the given ID.
func (l *Ledger) Order(id string) (Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.orders[id]
	if !ok {
		return Order{}, false
	}
	return *order, true
}

// OpenOrders returns copies of all filled, unclosed orders in fill
// sequence.
func (l *Ledger) OpenOrders() []Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	var open []Order
	for _, id := range l.fills {
		if o := l.orders[id]; o.Status == OrderFilled {
			open = append(open, *o)
		}
	}
	return open
}

// Cash returns available cash.
func (l *Ledger) Cash() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash
}

// Value returns total ledger value: cash plus the cost basis of open
// positions.
func (l *Ledger) Value() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.valueLocked()
}

func (l *Ledger) valueLocked() float64 {
	value := l.cash
	for _, id := range l.fills {
		if o := l.orders[id]; o.Status == OrderFilled {
			value += o.Cost
		}
	}
	return value
}

// Metrics computes the ledger's performance summary.
func (l *Ledger) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	value := l.valueLocked()
	var ret float64
	if l.initialCash > 0 {
		ret = (value - l.initialCash) / l.initialCash * 100
	}
	return Metrics{
		TotalValue:    value,
		TotalReturn:   ret,
		TradeCount:    len(l.fills),
		AvailableCash: l.cash,
	}
}
