package order

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
)

// Snapshot is a point-in-time view over the whole order set.
type Snapshot struct {
	TotalOrders int
	// AverageProcessingTime is the mean creation-to-completion time of
	// completed orders, in seconds. Zero when nothing has completed.
	AverageProcessingTime float64
	StatusCounts          map[Status]int
}

// Lister is the part of Store the aggregator reads from.
type Lister interface {
	List(ctx context.Context) ([]Order, error)
}

// Aggregator computes metrics snapshots from the store on demand.
type Aggregator struct {
	orders Lister
}

// NewAggregator returns an Aggregator reading from orders.
func NewAggregator(orders Lister) *Aggregator {
	return &Aggregator{orders: orders}
}

// Snapshot scans all orders and aggregates them. Orders may be changing while
// the scan runs; each record is counted in whatever state it was read.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	orders, err := a.orders.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return Aggregate(orders)
}

// Aggregate computes a Snapshot over orders. It fails on the first order with
// an unknown status or a broken completion timestamp.
func Aggregate(orders []Order) (*Snapshot, error) {
	snap := &Snapshot{
		TotalOrders:  len(orders),
		StatusCounts: make(map[Status]int, len(Statuses)),
	}
	for _, st := range Statuses {
		snap.StatusCounts[st] = 0
	}

	var (
		totalSeconds float64
		completed    int
	)
	for i := range orders {
		o := &orders[i]
		if !o.Status.Valid() {
			return nil, &InvalidStatusError{OrderID: o.ID, Status: o.Status}
		}
		snap.StatusCounts[o.Status]++

		if o.Status != StatusCompleted {
			continue
		}
		if o.CompletedAt == nil || o.CompletedAt.Before(o.CreatedAt) {
			return nil, &InconsistentOrderError{
				OrderID:     o.ID,
				CreatedAt:   o.CreatedAt,
				CompletedAt: o.CompletedAt,
			}
		}
		d, _ := o.ProcessingTime()
		totalSeconds += d.Seconds()
		completed++
	}

	if completed > 0 {
		snap.AverageProcessingTime = totalSeconds / float64(completed)
	}
	return snap, nil
}

func sortByCreation(orders []Order) {
	slices.SortStableFunc(orders, func(a, b Order) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
