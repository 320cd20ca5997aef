package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orderq/internal/domain/order"
	"github.com/xenking/orderq/internal/handler"
	"github.com/xenking/orderq/internal/processor"
	"github.com/xenking/orderq/internal/queue"
	"github.com/xenking/orderq/pkg/health"
	"github.com/xenking/orderq/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the processor and the HTTP server, and
// handles graceful shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store.Driver),
		zap.Int("workers", cfg.Processor.Workers),
	)

	store, closeStore, err := openStore(ctx, lg, cfg.Store)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer closeStore()

	// Queue, core service and processor.
	q := queue.New()
	orders := order.NewService(store, q, order.WithLogger(lg.Named("orders")))

	proc, err := processor.New(store, q, processor.Simulated{Duration: cfg.Processor.WorkDuration}, processor.Options{
		Workers: cfg.Processor.Workers,
		Retry: processor.RetryConfig{
			MaxAttempts:     cfg.Processor.Retry.MaxAttempts,
			InitialInterval: cfg.Processor.Retry.InitialInterval,
			MaxInterval:     cfg.Processor.Retry.MaxInterval,
		},
		Logger:         lg,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create processor")
	}

	// Pending orders from a previous run go first, ahead of new submissions.
	recovered, err := orders.Recover(ctx)
	if err != nil {
		return errors.Wrap(err, "recover pending orders")
	}
	if recovered > 0 {
		lg.Info("Recovered pending orders", zap.Int("count", recovered))
	}

	// The processor outlives ctx so in-flight orders can finish during drain.
	procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProc()
	procDone := make(chan error, 1)
	go func() {
		procDone <- proc.Run(procCtx)
	}()

	// Health check service.
	healthSvc := health.New(lg.Named("health"))
	healthSvc.AddReadinessCheck("store", 5*time.Second, health.PingCheck(store))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("backlog", time.Second, health.BacklogCheck(q.Len, cfg.Processor.BacklogLimit))
	healthSvc.AddLivenessCheck("processor", time.Second, proc.Check(cfg.Processor.StallTimeout))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Router: health endpoints and the order API on one server.
	r := chi.NewRouter()
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	handler.New(orders).Register(r)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(r,
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Routes(),
			httpmiddleware.Instrument("orderq", m),
			httpmiddleware.LogRequests(),
			httpmiddleware.Labeler(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				RPS:   cfg.RateLimit.RPS,
				Burst: cfg.RateLimit.Burst,
			}),
		),
	}

	// Graceful shutdown: wait for context cancellation, stop intake, then
	// let the workers drain the queue.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()

		q.Close()
		drainOrders(lg, procDone, cancelProc, q.Len, cfg.Graceful.DrainTimeout)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// drainOrders waits for the processor to empty the closed queue, cancelling
// it once timeout passes. Orders cancelled mid-fulfillment stay Processing.
func drainOrders(lg *zap.Logger, done <-chan error, cancel context.CancelFunc, depth func() int, timeout time.Duration) {
	lg.Info("Draining orders", zap.Int("queued", depth()), zap.Duration("timeout", timeout))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			lg.Error("Processor stopped with error", zap.Error(err))
		}
		return
	case <-timer.C:
	}

	lg.Warn("Drain timeout exceeded, abandoning queued orders", zap.Int("queued", depth()))
	cancel()
	if err := <-done; err != nil {
		lg.Error("Processor stopped with error", zap.Error(err))
	}
}
