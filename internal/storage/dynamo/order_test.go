package dynamo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/orderq/internal/domain/order"
)

// fakeDynamo is a small in-memory table that understands the condition
// expressions issued by OrderStore.
type fakeDynamo struct {
	mu       sync.Mutex
	table    map[string]map[string]types.AttributeValue
	pageSize int
	err      error

	scanCalls int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		table:    map[string]map[string]types.AttributeValue{},
		pageSize: 2,
	}
}

func keyOf(m map[string]types.AttributeValue) string {
	return m[keyAttr].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) PutItem(_ context.Context, params *dyn.PutItemInput, _ ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	k := keyOf(params.Item)
	if params.ConditionExpression != nil && *params.ConditionExpression == createCondition {
		if _, ok := f.table[k]; ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, params *dyn.GetItemInput, _ ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	it, ok := f.table[keyOf(params.Key)]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(it)}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, params *dyn.UpdateItemInput, _ ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if params.ConditionExpression == nil || *params.ConditionExpression != updateCondition {
		return nil, errors.New("unexpected condition")
	}

	it, ok := f.table[keyOf(params.Key)]
	from := params.ExpressionAttributeValues[":from"].(*types.AttributeValueMemberS).Value
	if !ok || it["status"].(*types.AttributeValueMemberS).Value != from {
		ccf := &types.ConditionalCheckFailedException{}
		if ok && params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
			ccf.Item = copyItem(it)
		}
		return nil, ccf
	}

	it["status"] = params.ExpressionAttributeValues[":to"]
	if at, ok := params.ExpressionAttributeValues[":completed"]; ok {
		it["completed_at"] = at
	}
	return &dyn.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, params *dyn.ScanInput, _ ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanCalls++
	if f.err != nil {
		return nil, f.err
	}

	keys := make([]string, 0, len(f.table))
	for k := range f.table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if params.ExclusiveStartKey != nil {
		last := keyOf(params.ExclusiveStartKey)
		start = sort.SearchStrings(keys, last) + 1
	}
	end := min(start+f.pageSize, len(keys))

	out := &dyn.ScanOutput{}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, copyItem(f.table[k]))
	}
	if end < len(keys) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			keyAttr: &types.AttributeValueMemberS{Value: keys[end-1]},
		}
	}
	return out, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, params *dyn.DescribeTableInput, _ ...func(*dyn.Options)) (*dyn.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &dyn.DescribeTableOutput{Table: &types.TableDescription{TableName: params.TableName}}, nil
}

func copyItem(m map[string]types.AttributeValue) map[string]types.AttributeValue {
	c := make(map[string]types.AttributeValue, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func newTestOrder(id string, createdAt time.Time) *order.Order {
	return &order.Order{
		ID:          id,
		UserID:      "user-1",
		ItemIDs:     []string{"a", "b"},
		TotalAmount: decimal.RequireFromString("19.99"),
		Status:      order.StatusPending,
		CreatedAt:   createdAt,
	}
}

func TestOrderStore_CreateAndGet(t *testing.T) {
	store := NewOrderStore(newFakeDynamo(), "orders")
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 9, 30, 0, 500, time.UTC)

	require.NoError(t, store.Create(ctx, newTestOrder("o1", created)))

	got, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, []string{"a", "b"}, got.ItemIDs)
	assert.True(t, decimal.RequireFromString("19.99").Equal(got.TotalAmount))
	assert.Equal(t, order.StatusPending, got.Status)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Nil(t, got.CompletedAt)
}

func TestOrderStore_CreateDuplicate(t *testing.T) {
	store := NewOrderStore(newFakeDynamo(), "orders")
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestOrder("o1", time.Now())))
	require.ErrorIs(t, store.Create(ctx, newTestOrder("o1", time.Now())), order.ErrAlreadyExists)
}

func TestOrderStore_NotFound(t *testing.T) {
	store := NewOrderStore(newFakeDynamo(), "orders")
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, order.ErrNotFound)

	_, err = store.Status(ctx, "missing")
	require.ErrorIs(t, err, order.ErrNotFound)

	err = store.UpdateStatus(ctx, order.StatusUpdate{ID: "missing", From: order.StatusPending, To: order.StatusProcessing})
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestOrderStore_ConditionalUpdate(t *testing.T) {
	store := NewOrderStore(newFakeDynamo(), "orders")
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(ctx, newTestOrder("o1", created)))

	require.NoError(t, store.UpdateStatus(ctx, order.StatusUpdate{
		ID: "o1", From: order.StatusPending, To: order.StatusProcessing,
	}))
	require.ErrorIs(t, store.UpdateStatus(ctx, order.StatusUpdate{
		ID: "o1", From: order.StatusPending, To: order.StatusProcessing,
	}), order.ErrStatusMismatch)

	st, err := store.Status(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, st)

	done := created.Add(3 * time.Second)
	require.NoError(t, store.UpdateStatus(ctx, order.StatusUpdate{
		ID: "o1", From: order.StatusProcessing, To: order.StatusCompleted, CompletedAt: &done,
	}))

	got, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))
}

func TestOrderStore_ConcurrentTransitionSingleWinner(t *testing.T) {
	store := NewOrderStore(newFakeDynamo(), "orders")
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTestOrder("o1", time.Now())))

	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.UpdateStatus(ctx, order.StatusUpdate{
				ID: "o1", From: order.StatusPending, To: order.StatusProcessing,
			}) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestOrderStore_ListPaginatesAndSorts(t *testing.T) {
	fake := newFakeDynamo()
	store := NewOrderStore(fake, "orders")
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	// Keys sort opposite to creation time.
	for i := range 5 {
		id := fmt.Sprintf("o%d", i)
		require.NoError(t, store.Create(ctx, newTestOrder(id, base.Add(-time.Duration(i)*time.Second))))
	}

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, 3, fake.scanCalls)
	assert.Equal(t, "o4", list[0].ID)
	assert.Equal(t, "o0", list[4].ID)
}

func TestOrderStore_Unavailable(t *testing.T) {
	fake := newFakeDynamo()
	fake.err = errors.New("throttled")
	store := NewOrderStore(fake, "orders")
	ctx := context.Background()

	require.ErrorIs(t, store.Create(ctx, newTestOrder("o1", time.Now())), order.ErrStoreUnavailable)

	_, err := store.Get(ctx, "o1")
	require.ErrorIs(t, err, order.ErrStoreUnavailable)

	_, err = store.List(ctx)
	require.ErrorIs(t, err, order.ErrStoreUnavailable)

	require.ErrorIs(t, store.Ping(ctx), order.ErrStoreUnavailable)
}

func TestOrderStore_CorruptAmount(t *testing.T) {
	fake := newFakeDynamo()
	store := NewOrderStore(fake, "orders")
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTestOrder("o1", time.Now())))

	fake.table["o1"]["total_amount"] = &types.AttributeValueMemberS{Value: "not-a-number"}

	_, err := store.Get(ctx, "o1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse total_amount")
}
