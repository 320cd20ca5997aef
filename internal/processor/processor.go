// Package processor drains the order queue and drives each order through
// Pending -> Processing -> Completed.
package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/orderq/internal/domain/order"
	"github.com/xenking/orderq/internal/queue"
)

// Source is the queue the processor consumes from.
type Source interface {
	Dequeue(ctx context.Context) (string, error)
	Len() int
}

// RetryConfig bounds the retries of a single store write.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Options configures a Processor. Zero values fall back to defaults.
type Options struct {
	Workers        int
	Retry          RetryConfig
	Logger         *zap.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	Clock          func() time.Time
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 5
	}
	if o.Retry.InitialInterval <= 0 {
		o.Retry.InitialInterval = 100 * time.Millisecond
	}
	if o.Retry.MaxInterval <= 0 {
		o.Retry.MaxInterval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MeterProvider == nil {
		o.MeterProvider = metricnoop.NewMeterProvider()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = tracenoop.NewTracerProvider()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Outcomes recorded on the processed counter.
const (
	outcomeCompleted = "completed"
	outcomeSkipped   = "skipped"
	outcomeMissing   = "missing"
	outcomeStuck     = "stuck"
)

// Processor consumes order identifiers and applies the order state machine.
//
// Every write is a conditional update on the expected current status, so a
// duplicate identifier in the queue can never move an order backwards or
// complete it twice: the second worker sees ErrStatusMismatch and skips.
// Within one processor an id is also claimed for the whole pass, so a
// duplicate dequeued while the first copy is still running is dropped.
type Processor struct {
	store     order.Store
	source    Source
	fulfiller Fulfiller

	workers int
	retry   RetryConfig
	lg      *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	processed metric.Int64Counter
	retries   metric.Int64Counter
	duration  metric.Float64Histogram

	busy     atomic.Int64
	lastBeat atomic.Int64

	// inflight holds the ids claimed by a worker until it is done with them.
	inflight sync.Map
}

// New creates a Processor reading from source and writing through store.
func New(store order.Store, source Source, f Fulfiller, opts Options) (*Processor, error) {
	opts.setDefaults()

	p := &Processor{
		store:     store,
		source:    source,
		fulfiller: f,
		workers:   opts.Workers,
		retry:     opts.Retry,
		lg:        opts.Logger.Named("processor"),
		tracer:    opts.TracerProvider.Tracer("orderq/processor"),
		now:       opts.Clock,
	}
	if err := p.initMetrics(opts.MeterProvider.Meter("orderq/processor")); err != nil {
		return nil, errors.Wrap(err, "init metrics")
	}
	p.beat()
	return p, nil
}

func (p *Processor) initMetrics(meter metric.Meter) error {
	var err error
	if p.processed, err = meter.Int64Counter("orderq.orders.processed",
		metric.WithDescription("Orders taken off the queue, by outcome"),
	); err != nil {
		return errors.Wrap(err, "processed counter")
	}
	if p.retries, err = meter.Int64Counter("orderq.store.retries",
		metric.WithDescription("Retried order store writes"),
	); err != nil {
		return errors.Wrap(err, "retries counter")
	}
	if p.duration, err = meter.Float64Histogram("orderq.order.processing.duration",
		metric.WithDescription("Time from order creation to completion"),
		metric.WithUnit("s"),
	); err != nil {
		return errors.Wrap(err, "duration histogram")
	}
	if _, err = meter.Int64ObservableGauge("orderq.queue.depth",
		metric.WithDescription("Order identifiers waiting in the queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.source.Len()))
			return nil
		}),
	); err != nil {
		return errors.Wrap(err, "queue depth gauge")
	}
	return nil
}

// Run starts the workers and blocks until ctx is done or the source is
// closed and drained. A failing order never stops a worker.
func (p *Processor) Run(ctx context.Context) error {
	p.lg.Info("Starting", zap.Int("workers", p.workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := range p.workers {
		lg := p.lg.With(zap.Int("worker", i))
		g.Go(func() error {
			return p.work(ctx, lg)
		})
	}
	err := g.Wait()

	p.lg.Info("Stopped")
	return err
}

func (p *Processor) work(ctx context.Context, lg *zap.Logger) error {
	for {
		// A closed queue still hands out its backlog; stop taking orders
		// once cancelled so they stay Pending for the next start.
		if ctx.Err() != nil {
			return nil
		}
		id, err := p.source.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "dequeue")
		}

		if _, held := p.inflight.LoadOrStore(id, struct{}{}); held {
			lg.Debug("Order already in flight, skipping", zap.String("order_id", id))
			p.record(ctx, outcomeSkipped)
			continue
		}

		p.busy.Add(1)
		p.beat()
		p.process(ctx, lg.With(zap.String("order_id", id)), id)
		p.beat()
		p.busy.Add(-1)
		p.inflight.Delete(id)
	}
}

func (p *Processor) process(ctx context.Context, lg *zap.Logger, id string) {
	ctx, span := p.tracer.Start(ctx, "ProcessOrder",
		trace.WithAttributes(attribute.String("order.id", id)),
	)
	defer span.End()

	fail := func(outcome, msg string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, msg)
		}
		p.record(ctx, outcome)
	}

	err := p.transition(ctx, lg, order.StatusUpdate{
		ID:   id,
		From: order.StatusPending,
		To:   order.StatusProcessing,
	})
	switch {
	case errors.Is(err, order.ErrStatusMismatch):
		lg.Debug("Order already taken, skipping")
		fail(outcomeSkipped, "", nil)
		return
	case errors.Is(err, order.ErrNotFound):
		lg.Warn("Queued order not found")
		fail(outcomeMissing, "order not found", err)
		return
	case err != nil:
		lg.Error("Order stuck in pending", zap.Error(err))
		fail(outcomeStuck, "start processing", err)
		return
	}

	o, err := p.load(ctx, lg, id)
	if err != nil {
		lg.Error("Order stuck in processing: load failed", zap.Error(err))
		fail(outcomeStuck, "load order", err)
		return
	}

	if err := p.fulfiller.Fulfill(ctx, o); err != nil {
		lg.Error("Order stuck in processing: fulfillment failed", zap.Error(err))
		fail(outcomeStuck, "fulfill", err)
		return
	}

	completedAt := p.now().UTC()
	if completedAt.Before(o.CreatedAt) {
		// Clock went backwards between creation and completion.
		completedAt = o.CreatedAt
	}
	err = p.transition(ctx, lg, order.StatusUpdate{
		ID:          id,
		From:        order.StatusProcessing,
		To:          order.StatusCompleted,
		CompletedAt: &completedAt,
	})
	switch {
	case errors.Is(err, order.ErrStatusMismatch):
		lg.Warn("Order left processing concurrently, not completing")
		fail(outcomeSkipped, "", nil)
		return
	case err != nil:
		lg.Error("Order stuck in processing", zap.Error(err))
		fail(outcomeStuck, "complete", err)
		return
	}

	elapsed := completedAt.Sub(o.CreatedAt)
	p.duration.Record(ctx, elapsed.Seconds())
	p.record(ctx, outcomeCompleted)
	lg.Debug("Order completed", zap.Duration("elapsed", elapsed))
}

// transition applies u with retries. A mismatch seen after a failed attempt
// may mean that attempt was in fact persisted, so the current status is
// checked before reporting it. The caller must hold the id in inflight, so no
// other worker of this processor can have made that write.
func (p *Processor) transition(ctx context.Context, lg *zap.Logger, u order.StatusUpdate) error {
	var attempts int
	err := p.withRetry(ctx, lg, "update status", func() error {
		attempts++
		err := p.store.UpdateStatus(ctx, u)
		if errors.Is(err, order.ErrStatusMismatch) || errors.Is(err, order.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	if errors.Is(err, order.ErrStatusMismatch) && attempts > 1 {
		if st, serr := p.store.Status(ctx, u.ID); serr == nil && st == u.To {
			return nil
		}
	}
	return err
}

func (p *Processor) load(ctx context.Context, lg *zap.Logger, id string) (*order.Order, error) {
	var o *order.Order
	err := p.withRetry(ctx, lg, "get order", func() error {
		var err error
		o, err = p.store.Get(ctx, id)
		if errors.Is(err, order.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	return o, err
}

func (p *Processor) withRetry(ctx context.Context, lg *zap.Logger, op string, fn backoff.Operation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retry.InitialInterval
	b.MaxInterval = p.retry.MaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(p.retry.MaxAttempts-1)),
		ctx,
	)
	return backoff.RetryNotify(fn, policy, func(err error, next time.Duration) {
		p.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		lg.Warn("Store operation failed, retrying",
			zap.String("op", op),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	})
}

func (p *Processor) record(ctx context.Context, outcome string) {
	p.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (p *Processor) beat() {
	p.lastBeat.Store(p.now().UnixNano())
}

// Check reports an error when every worker has been busy with the same
// orders for longer than stall. Idle workers waiting on the queue are
// healthy regardless of how long they wait.
func (p *Processor) Check(stall time.Duration) func(context.Context) error {
	return func(context.Context) error {
		if p.busy.Load() < int64(p.workers) {
			return nil
		}
		since := p.now().Sub(time.Unix(0, p.lastBeat.Load()))
		if since > stall {
			return errors.Errorf("all %d workers busy for %s", p.workers, since.Round(time.Second))
		}
		return nil
	}
}
