// Package memory provides an in-process order store.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xenking/orderq/internal/domain/order"
)

var _ order.Store = (*OrderStore)(nil)

// OrderStore implements order.Store in memory. Conditional updates are
// evaluated under the store lock, which serializes writes per order.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]*order.Order
}

// NewOrderStore returns an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]*order.Order)}
}

// Create stores a copy of o, failing if the id is taken.
func (s *OrderStore) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return order.ErrAlreadyExists
	}
	s.orders[o.ID] = clone(o)
	return nil
}

// Get returns a copy of the order.
func (s *OrderStore) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return clone(o), nil
}

// Status returns the current status of the order.
func (s *OrderStore) Status(_ context.Context, id string) (order.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return "", order.ErrNotFound
	}
	return o.Status, nil
}

// UpdateStatus applies u if the order is currently in u.From.
func (s *OrderStore) UpdateStatus(_ context.Context, u order.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[u.ID]
	if !ok {
		return order.ErrNotFound
	}
	if o.Status != u.From {
		return order.ErrStatusMismatch
	}
	o.Status = u.To
	if u.To == order.StatusCompleted && u.CompletedAt != nil {
		at := *u.CompletedAt
		o.CompletedAt = &at
	}
	return nil
}

// List returns copies of all orders sorted by creation time.
func (s *OrderStore) List(_ context.Context) ([]order.Order, error) {
	s.mu.RLock()
	out := make([]order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *clone(o))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Ping always succeeds; it exists so every store can back a readiness check.
func (s *OrderStore) Ping(context.Context) error {
	return nil
}

func clone(o *order.Order) *order.Order {
	c := *o
	c.ItemIDs = append([]string(nil), o.ItemIDs...)
	if o.CompletedAt != nil {
		at := *o.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
