package order

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// Sentinel errors shared by the service, the stores and the processor.
var (
	ErrAlreadyExists    = errors.New("order already exists")
	ErrNotFound         = errors.New("order not found")
	ErrStatusMismatch   = errors.New("order status mismatch")
	ErrInvalidStatus    = errors.New("invalid order status")
	ErrInvalidOrder     = errors.New("invalid order")
	ErrStoreUnavailable = errors.New("order store unavailable")
)

// ValidationError describes a rejected submission field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes ValidationError match ErrInvalidOrder.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidOrder
}

// InvalidStatusError reports a stored order carrying a status outside the
// known set.
type InvalidStatusError struct {
	OrderID string
	Status  Status
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("order %s has unknown status %q", e.OrderID, string(e.Status))
}

// Is makes InvalidStatusError match ErrInvalidStatus.
func (e *InvalidStatusError) Is(target error) bool {
	return target == ErrInvalidStatus
}

// InconsistentOrderError reports a completed order whose completion timestamp
// is missing or precedes its creation.
type InconsistentOrderError struct {
	OrderID     string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

func (e *InconsistentOrderError) Error() string {
	if e.CompletedAt == nil {
		return fmt.Sprintf("completed order %s has no completion time", e.OrderID)
	}
	return fmt.Sprintf("order %s completed at %s before creation at %s",
		e.OrderID, e.CompletedAt.Format(time.RFC3339Nano), e.CreatedAt.Format(time.RFC3339Nano))
}
