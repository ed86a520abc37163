package inventory

import (
	"sync"
	"time"
)

// PendingOrder is a submitted order that has not been confirmed as filled
// or cancelled. It is bookkeeping only and never moves the position.
type PendingOrder struct {
	ClientOrderID string
	OrderID       string
	Side          Side
	Size          float64
	Price         float64
	SubmittedAt   time.Time
}

type PendingBook struct {
	mu     sync.Mutex
	orders map[string]PendingOrder
}

func NewPendingBook() *PendingBook {
	return &PendingBook{orders: make(map[string]PendingOrder)}
}

func (p *PendingBook) Add(order PendingOrder) {
	if order.ClientOrderID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders[order.ClientOrderID] = order
}

// Resolve reduces the pending size by a confirmed fill and drops the order
// once it is fully filled.
func (p *PendingBook) Resolve(fill Fill) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := fill.ClientOrderID
	if key == "" {
		for id, order := range p.orders {
			if order.OrderID != "" && order.OrderID == fill.OrderID {
				key = id
				break
			}
		}
	}
	order, ok := p.orders[key]
	if !ok {
		return
	}
	order.Size -= fill.Size
	if order.Size <= 1e-12 {
		delete(p.orders, key)
		return
	}
	p.orders[key] = order
}

func (p *PendingBook) Remove(clientOrderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, clientOrderID)
}

// Retain drops every pending order whose client order id is not in open,
// reconciling the book against the venue's resting orders.
func (p *PendingBook) Retain(open []string) int {
	keep := make(map[string]struct{}, len(open))
	for _, id := range open {
		keep[id] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	dropped := 0
	for id := range p.orders {
		if _, ok := keep[id]; !ok {
			delete(p.orders, id)
			dropped++
		}
	}
	return dropped
}

func (p *PendingBook) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = make(map[string]PendingOrder)
}

func (p *PendingBook) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

// NetSize is the signed size still working (+ buys, - sells).
func (p *PendingBook) NetSize() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var net float64
	for _, order := range p.orders {
		if order.Side == SideSell {
			net -= order.Size
			continue
		}
		net += order.Size
	}
	return net
}
