// Package ledger holds the in-memory store of active (unfulfilled) orders.
package ledger

import (
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("order not found")
	ErrTerminal = errors.New("order already in terminal status")
)

type Status int

const (
	StatusPending Status = iota
	StatusPaid
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPaid:
		return "paid"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s != StatusPending
}

type Order struct {
	ID           string
	UserID       int64
	ProductID    string
	Amount       decimal.Decimal // price snapshot at creation time
	Status       Status
	ExternalTxID string
	CreatedAt    time.Time
}

// Ledger is safe for concurrent use from the chat handlers and the
// payment callback handler.
type Ledger struct {
	mu     sync.Mutex
	orders map[string]*Order
	byTx   map[string]string
	rnd    *rand.Rand
}

func New() *Ledger {
	return &Ledger{
		orders: make(map[string]*Order),
		byTx:   make(map[string]string),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Create registers a new pending order and returns a copy of it.
// Order numbers are 5-digit like the payment provider expects; on the
// off chance of a collision with a live order the id space is widened.
func (l *Ledger) Create(userID int64, productID string, amount decimal.Decimal) Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID()
	o := &Order{
		ID:           id,
		UserID:       userID,
		ProductID:    productID,
		Amount:       amount,
		Status:       StatusPending,
		ExternalTxID: uuid.NewString(),
		CreatedAt:    time.Now(),
	}
	l.orders[id] = o
	l.byTx[o.ExternalTxID] = id
	return *o
}

func (l *Ledger) nextID() string {
	for i := 0; i < 32; i++ {
		id := strconv.Itoa(l.rnd.Intn(90000) + 10000)
		if _, taken := l.orders[id]; !taken {
			return id
		}
	}
	for {
		id := strconv.Itoa(l.rnd.Intn(900000000) + 100000000)
		if _, taken := l.orders[id]; !taken {
			return id
		}
	}
}

func (l *Ledger) Get(id string) (Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return *o, nil
}

// FindByTx looks an order up by the provider transaction reference.
func (l *Ledger) FindByTx(tx string) (Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.byTx[tx]
	if !ok {
		return Order{}, ErrNotFound
	}
	return *l.orders[id], nil
}

// Transition moves an order out of pending. The check and the write
// happen under the ledger lock, so of two racing callbacks exactly one
// gets the updated order back and the other gets ErrTerminal.
func (l *Ledger) Transition(id string, next Status) (Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	if o.Status.Terminal() {
		return *o, ErrTerminal
	}
	if next == StatusPending {
		return *o, errors.New("cannot transition back to pending")
	}
	o.Status = next
	return *o, nil
}

func (l *Ledger) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return
	}
	delete(l.byTx, o.ExternalTxID)
	delete(l.orders, id)
}

// ListByUser scans the ledger for the user's active orders.
func (l *Ledger) ListByUser(userID int64) []Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Order
	for _, o := range l.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.orders)
}
