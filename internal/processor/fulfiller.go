package processor

import (
	"context"
	"time"

	"github.com/xenking/orderq/internal/domain/order"
)

// Fulfiller performs the actual work for an order between the Processing and
// Completed transitions.
type Fulfiller interface {
	Fulfill(ctx context.Context, o *order.Order) error
}

// FulfillFunc adapts a function to Fulfiller.
type FulfillFunc func(ctx context.Context, o *order.Order) error

// Fulfill calls f(ctx, o).
func (f FulfillFunc) Fulfill(ctx context.Context, o *order.Order) error {
	return f(ctx, o)
}

// Simulated stands in for real fulfillment by waiting a fixed duration.
type Simulated struct {
	Duration time.Duration
}

// Fulfill waits for s.Duration or until ctx is done.
func (s Simulated) Fulfill(ctx context.Context, _ *order.Order) error {
	if s.Duration <= 0 {
		return nil
	}
	t := time.NewTimer(s.Duration)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
