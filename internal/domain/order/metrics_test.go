package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(sec float64) time.Time {
	return testNow.Add(time.Duration(sec * float64(time.Second)))
}

func completed(id string, created, done time.Time) Order {
	return Order{ID: id, Status: StatusCompleted, CreatedAt: created, CompletedAt: &done}
}

func TestAggregate_Empty(t *testing.T) {
	snap, err := Aggregate(nil)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.TotalOrders)
	assert.Zero(t, snap.AverageProcessingTime)
	assert.Equal(t, map[Status]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusCompleted:  0,
	}, snap.StatusCounts)
}

func TestAggregate_SingleCompleted(t *testing.T) {
	snap, err := Aggregate([]Order{completed("o1", at(0), at(2))})
	require.NoError(t, err)

	assert.Equal(t, 1, snap.TotalOrders)
	assert.InDelta(t, 2.0, snap.AverageProcessingTime, 1e-9)
	assert.Equal(t, 1, snap.StatusCounts[StatusCompleted])
	assert.Equal(t, 0, snap.StatusCounts[StatusPending])
}

func TestAggregate_AveragesOnlyCompleted(t *testing.T) {
	snap, err := Aggregate([]Order{
		completed("o1", at(0), at(1)),
		completed("o2", at(0), at(3)),
		{ID: "o3", Status: StatusPending, CreatedAt: at(0)},
		{ID: "o4", Status: StatusProcessing, CreatedAt: at(0)},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, snap.TotalOrders)
	assert.InDelta(t, 2.0, snap.AverageProcessingTime, 1e-9)
	assert.Equal(t, map[Status]int{
		StatusPending:    1,
		StatusProcessing: 1,
		StatusCompleted:  2,
	}, snap.StatusCounts)
}

func TestAggregate_NothingCompleted(t *testing.T) {
	snap, err := Aggregate([]Order{
		{ID: "o1", Status: StatusPending, CreatedAt: at(0)},
	})
	require.NoError(t, err)
	assert.Zero(t, snap.AverageProcessingTime)
	assert.Equal(t, 1, snap.TotalOrders)
}

func TestAggregate_SubSecondPrecision(t *testing.T) {
	snap, err := Aggregate([]Order{completed("o1", at(0), at(0.25))})
	require.NoError(t, err)
	assert.InDelta(t, 0.25, snap.AverageProcessingTime, 1e-9)
}

func TestAggregate_InvalidStatus(t *testing.T) {
	_, err := Aggregate([]Order{
		{ID: "o1", Status: StatusPending, CreatedAt: at(0)},
		{ID: "o2", Status: "Shipped", CreatedAt: at(0)},
	})
	require.ErrorIs(t, err, ErrInvalidStatus)

	var sErr *InvalidStatusError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "o2", sErr.OrderID)
	assert.Equal(t, Status("Shipped"), sErr.Status)
}

func TestAggregate_Inconsistent(t *testing.T) {
	t.Run("missing completion", func(t *testing.T) {
		_, err := Aggregate([]Order{{ID: "o1", Status: StatusCompleted, CreatedAt: at(0)}})

		var iErr *InconsistentOrderError
		require.ErrorAs(t, err, &iErr)
		assert.Equal(t, "o1", iErr.OrderID)
		assert.Nil(t, iErr.CompletedAt)
	})
	t.Run("completed before created", func(t *testing.T) {
		_, err := Aggregate([]Order{completed("o1", at(5), at(1))})

		var iErr *InconsistentOrderError
		require.ErrorAs(t, err, &iErr)
		assert.Contains(t, err.Error(), "before creation")
	})
}

func TestSortByCreation_Stable(t *testing.T) {
	orders := []Order{
		{ID: "b", CreatedAt: at(1)},
		{ID: "a1", CreatedAt: at(0)},
		{ID: "a2", CreatedAt: at(0)},
	}
	sortByCreation(orders)

	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	assert.Equal(t, []string{"a1", "a2", "b"}, ids)
}
