package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order. Values are persisted verbatim.
type Status string

// Known statuses, in lifecycle order.
const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// Next returns the status that follows s on the happy path. The second
// result is false for Completed and for unknown statuses.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusPending:
		return StatusProcessing, true
	case StatusProcessing:
		return StatusCompleted, true
	default:
		return "", false
	}
}

// Order is a unit of work tracked from submission to completion.
//
// Everything except Status and CompletedAt is immutable once the order has
// been created. CompletedAt is non-nil iff Status is StatusCompleted.
type Order struct {
	ID          string
	UserID      string
	ItemIDs     []string
	TotalAmount decimal.Decimal
	Status      Status
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// ProcessingTime returns how long the order took from creation to
// completion. The second result is false while the order is not completed.
func (o *Order) ProcessingTime() (time.Duration, bool) {
	if o.Status != StatusCompleted || o.CompletedAt == nil {
		return 0, false
	}
	return o.CompletedAt.Sub(o.CreatedAt), true
}

// StatusUpdate is a conditional status transition. The store applies it only
// when the order is currently in From.
type StatusUpdate struct {
	ID          string
	From        Status
	To          Status
	CompletedAt *time.Time
}

// Store defines persistence operations for orders.
//
// Implementations must serialize writes per order: UpdateStatus is a
// compare-and-set on the current status and returns ErrStatusMismatch when
// the order is no longer in the expected state. Infrastructure failures are
// reported wrapped with ErrStoreUnavailable.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Status(ctx context.Context, id string) (Status, error)
	UpdateStatus(ctx context.Context, u StatusUpdate) error
	List(ctx context.Context) ([]Order, error)
}

// Queue accepts order identifiers for background processing.
type Queue interface {
	Enqueue(id string)
}
