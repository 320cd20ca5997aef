package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SubmitRequest holds the input for submitting an order.
type SubmitRequest struct {
	OrderID     string
	UserID      string
	ItemIDs     []string
	TotalAmount decimal.Decimal
}

// Validate checks the request against the order data model.
func (r SubmitRequest) Validate() error {
	if r.OrderID == "" {
		return &ValidationError{Field: "order_id", Reason: "required"}
	}
	if r.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if len(r.ItemIDs) == 0 {
		return &ValidationError{Field: "item_ids", Reason: "at least one item required"}
	}
	for _, id := range r.ItemIDs {
		if id == "" {
			return &ValidationError{Field: "item_ids", Reason: "item id must not be empty"}
		}
	}
	if r.TotalAmount.IsNegative() {
		return &ValidationError{Field: "total_amount", Reason: "must not be negative"}
	}
	return nil
}

// Service is the order core: it accepts submissions, answers status queries
// and computes metrics. Processing happens elsewhere, fed through the queue.
type Service struct {
	store   Store
	queue   Queue
	metrics *Aggregator
	lg      *zap.Logger
	now     func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source used to stamp created_at.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(lg *zap.Logger) ServiceOption {
	return func(s *Service) { s.lg = lg }
}

// NewService creates an order Service over the given store and queue.
func NewService(store Store, queue Queue, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		queue:   queue,
		metrics: NewAggregator(store),
		lg:      zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit validates the request, persists the order as Pending and enqueues
// its identifier. The order is enqueued only when the record was created, so
// a duplicate submission never schedules a second round of processing.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	items := make([]string, len(req.ItemIDs))
	copy(items, req.ItemIDs)

	o := &Order{
		ID:          req.OrderID,
		UserID:      req.UserID,
		ItemIDs:     items,
		TotalAmount: req.TotalAmount,
		Status:      StatusPending,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	s.queue.Enqueue(o.ID)

	s.lg.Debug("Order submitted", zap.String("order_id", o.ID), zap.String("user_id", o.UserID))
	return o, nil
}

// StatusOf returns the current status of an order.
func (s *Service) StatusOf(ctx context.Context, id string) (Status, error) {
	st, err := s.store.Status(ctx, id)
	if err != nil {
		return "", errors.Wrap(err, "get status")
	}
	return st, nil
}

// Metrics returns a snapshot of aggregate statistics over all orders.
func (s *Service) Metrics(ctx context.Context) (*Snapshot, error) {
	return s.metrics.Snapshot(ctx)
}

// Recover re-enqueues every order still Pending in the store. It is meant to
// run once at startup, before new submissions are accepted, so orders
// persisted by a previous process are not left waiting forever. Orders found
// in Processing are reported and left alone.
func (s *Service) Recover(ctx context.Context) (int, error) {
	orders, err := s.store.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list orders")
	}

	// Oldest first keeps submission order across restarts.
	sortByCreation(orders)

	var recovered int
	for i := range orders {
		switch o := &orders[i]; o.Status {
		case StatusPending:
			s.queue.Enqueue(o.ID)
			recovered++
		case StatusProcessing:
			s.lg.Warn("Order abandoned in processing by previous run",
				zap.String("order_id", o.ID),
				zap.Time("created_at", o.CreatedAt),
			)
		}
	}
	return recovered, nil
}
