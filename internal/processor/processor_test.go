package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/orderq/internal/domain/order"
	"github.com/xenking/orderq/internal/queue"
	"github.com/xenking/orderq/internal/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errTransient = errors.New("connection reset")

// recordingStore wraps a store, records every applied transition and can
// inject failures into UpdateStatus.
type recordingStore struct {
	order.Store

	mu          sync.Mutex
	transitions map[string][]order.Status
	// failUpdate returns an error to inject for u, or nil to pass through.
	failUpdate func(u order.StatusUpdate, call int) error
	// ghostWrite applies the update but still reports a failure once per id.
	ghostWrite map[string]bool
	calls      map[string]int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		Store:       memory.NewOrderStore(),
		transitions: make(map[string][]order.Status),
		ghostWrite:  make(map[string]bool),
		calls:       make(map[string]int),
	}
}

func (s *recordingStore) UpdateStatus(ctx context.Context, u order.StatusUpdate) error {
	s.mu.Lock()
	key := u.ID + ":" + u.To.String()
	s.calls[key]++
	call := s.calls[key]
	fail := s.failUpdate
	ghost := s.ghostWrite[u.ID] && call == 1
	s.mu.Unlock()

	if fail != nil {
		if err := fail(u, call); err != nil {
			return err
		}
	}
	if err := s.Store.UpdateStatus(ctx, u); err != nil {
		return err
	}

	s.mu.Lock()
	s.transitions[u.ID] = append(s.transitions[u.ID], u.To)
	s.mu.Unlock()

	if ghost {
		return errTransient
	}
	return nil
}

func (s *recordingStore) applied(id string) []order.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]order.Status(nil), s.transitions[id]...)
}

func (s *recordingStore) callCount(id string, to order.Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id+":"+to.String()]
}

func seed(t *testing.T, store order.Store, q *queue.Queue, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.Create(context.Background(), &order.Order{
			ID:          id,
			UserID:      "u1",
			ItemIDs:     []string{"i1"},
			TotalAmount: decimal.NewFromInt(10),
			Status:      order.StatusPending,
			CreatedAt:   time.Now().UTC(),
		}))
		q.Enqueue(id)
	}
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

// drain closes q and runs p until every queued identifier is handled.
func drain(t *testing.T, p *Processor, q *queue.Queue) {
	t.Helper()
	q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))
	require.NoError(t, ctx.Err(), "processor did not drain in time")
}

func instant() Fulfiller {
	return FulfillFunc(func(context.Context, *order.Order) error { return nil })
}

func TestProcessor_CompletesOrders(t *testing.T) {
	store := newRecordingStore()
	q := queue.New()
	seed(t, store, q, "a", "b", "c")

	p, err := New(store, q, instant(), Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	drain(t, p, q)

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		o, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, order.StatusCompleted, o.Status)
		require.NotNil(t, o.CompletedAt)
		assert.False(t, o.CompletedAt.Before(o.CreatedAt))
		assert.Equal(t,
			[]order.Status{order.StatusProcessing, order.StatusCompleted},
			store.applied(id),
		)
	}
}

func TestProcessor_CompletedAtNeverBeforeCreatedAt(t *testing.T) {
	store := newRecordingStore()
	q := queue.New()
	seed(t, store, q, "a")

	// Clock running behind the creation timestamp.
	past := time.Now().Add(-time.Hour)
	p, err := New(store, q, instant(), Options{Clock: func() time.Time { return past }})
	require.NoError(t, err)
	drain(t, p, q)

	o, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	require.NotNil(t, o.CompletedAt)
	assert.True(t, o.CompletedAt.Equal(o.CreatedAt))
}

func TestProcessor_RetriesTransientFailures(t *testing.T) {
	store := newRecordingStore()
	store.failUpdate = func(u order.StatusUpdate, call int) error {
		if u.To == order.StatusCompleted && call < 3 {
			return errTransient
		}
		return nil
	}
	q := queue.New()
	seed(t, store, q, "a")

	p, err := New(store, q, instant(), Options{Retry: fastRetry(5)})
	require.NoError(t, err)
	drain(t, p, q)

	st, err := store.Status(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, st)
	assert.Equal(t, 3, store.callCount("a", order.StatusCompleted))
}

func TestProcessor_RetryExhaustionLeavesOrderAndContinues(t *testing.T) {
	store := newRecordingStore()
	store.failUpdate = func(u order.StatusUpdate, _ int) error {
		if u.ID == "bad" && u.To == order.StatusCompleted {
			return errTransient
		}
		return nil
	}
	q := queue.New()
	seed(t, store, q, "bad", "good")

	p, err := New(store, q, instant(), Options{Retry: fastRetry(3)})
	require.NoError(t, err)
	drain(t, p, q)

	ctx := context.Background()
	st, err := store.Status(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, st)
	assert.Equal(t, 3, store.callCount("bad", order.StatusCompleted))

	st, err = store.Status(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, st)
}

func TestProcessor_RetryAfterPersistedWrite(t *testing.T) {
	store := newRecordingStore()
	store.ghostWrite["a"] = true
	q := queue.New()
	seed(t, store, q, "a")

	p, err := New(store, q, instant(), Options{Retry: fastRetry(3)})
	require.NoError(t, err)
	drain(t, p, q)

	st, err := store.Status(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, st)
	assert.Equal(t,
		[]order.Status{order.StatusProcessing, order.StatusCompleted},
		store.applied("a"),
	)
}

func TestProcessor_DuplicateEnqueueProcessedOnce(t *testing.T) {
	store := newRecordingStore()
	q := queue.New()
	seed(t, store, q, "a")
	q.Enqueue("a")
	q.Enqueue("a")

	var fulfilled atomic.Int32
	f := FulfillFunc(func(context.Context, *order.Order) error {
		fulfilled.Add(1)
		return nil
	})

	p, err := New(store, q, f, Options{Workers: 3})
	require.NoError(t, err)
	drain(t, p, q)

	assert.Equal(t, int32(1), fulfilled.Load())
	assert.Equal(t,
		[]order.Status{order.StatusProcessing, order.StatusCompleted},
		store.applied("a"),
	)
}

func TestProcessor_DuplicateDuringRetryFulfilledOnce(t *testing.T) {
	store := newRecordingStore()
	q := queue.New()
	seed(t, store, q, "a")
	q.Enqueue("a")

	// The first start attempt fails only after the duplicate has left the
	// queue, leaving a window for a second worker to start the order.
	store.failUpdate = func(u order.StatusUpdate, call int) error {
		if u.To != order.StatusProcessing || call != 1 {
			return nil
		}
		deadline := time.Now().Add(time.Second)
		for q.Len() > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(20 * time.Millisecond)
		return errTransient
	}

	var fulfilled atomic.Int32
	f := FulfillFunc(func(context.Context, *order.Order) error {
		fulfilled.Add(1)
		return nil
	})

	p, err := New(store, q, f, Options{Workers: 2, Retry: fastRetry(5)})
	require.NoError(t, err)
	drain(t, p, q)

	assert.Equal(t, int32(1), fulfilled.Load(), "fulfill calls for order a")
	assert.Equal(t,
		[]order.Status{order.StatusProcessing, order.StatusCompleted},
		store.applied("a"),
	)
}

func TestProcessor_MissingOrderSkipped(t *testing.T) {
	store := newRecordingStore()
	q := queue.New()
	q.Enqueue("ghost")
	seed(t, store, q, "a")

	p, err := New(store, q, instant(), Options{})
	require.NoError(t, err)
	drain(t, p, q)

	st, err := store.Status(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, st)
}

func TestProcessor_FulfillmentFailureLeavesProcessing(t *testing.T) {
	store := newRecordingStore()
	q := queue.New()
	seed(t, store, q, "a", "b")

	f := FulfillFunc(func(_ context.Context, o *order.Order) error {
		if o.ID == "a" {
			return errors.New("warehouse offline")
		}
		return nil
	})
	p, err := New(store, q, f, Options{})
	require.NoError(t, err)
	drain(t, p, q)

	ctx := context.Background()
	st, err := store.Status(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, st)

	st, err = store.Status(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, st)
}

func TestProcessor_ConcurrentSubmissions(t *testing.T) {
	store := newRecordingStore()
	q := queue.New()
	svc := order.NewService(store, q)

	var fulfilled sync.Map
	f := FulfillFunc(func(_ context.Context, o *order.Order) error {
		n, _ := fulfilled.LoadOrStore(o.ID, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		return nil
	})
	p, err := New(store, q, f, Options{Workers: 4})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(runCtx) }()

	const (
		submitters = 8
		perSubmit  = 50
	)
	var wg sync.WaitGroup
	for s := range submitters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perSubmit {
				_, err := svc.Submit(context.Background(), order.SubmitRequest{
					OrderID:     fmt.Sprintf("s%d-%d", s, i),
					UserID:      "u",
					ItemIDs:     []string{"x"},
					TotalAmount: decimal.NewFromInt(1),
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	q.Close()
	require.NoError(t, <-done)

	snap, err := svc.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, submitters*perSubmit, snap.TotalOrders)
	assert.Equal(t, submitters*perSubmit, snap.StatusCounts[order.StatusCompleted])

	var count int
	fulfilled.Range(func(_, v any) bool {
		count++
		assert.Equal(t, int32(1), v.(*atomic.Int32).Load())
		return true
	})
	assert.Equal(t, submitters*perSubmit, count)
}

func TestProcessor_StopsOnContextCancel(t *testing.T) {
	q := queue.New()
	p, err := New(newRecordingStore(), q, instant(), Options{Workers: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestProcessor_Check(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	q := queue.New()
	release := make(chan struct{})
	started := make(chan struct{})
	store := newRecordingStore()
	seed(t, store, q, "slow")
	f := FulfillFunc(func(ctx context.Context, _ *order.Order) error {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	p, err := New(store, q, f, Options{Workers: 1, Clock: clock})
	require.NoError(t, err)
	check := p.Check(time.Minute)

	ctx := context.Background()
	require.NoError(t, check(ctx), "idle processor is healthy")

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	<-started

	require.NoError(t, check(ctx))
	now.Add(int64(2 * time.Minute))
	require.Error(t, check(ctx), "stalled worker must fail the check")

	close(release)
	q.Close()
	require.NoError(t, <-done)
	require.NoError(t, check(ctx))
}
