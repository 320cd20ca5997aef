package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/orderq/internal/domain/order"
	"github.com/xenking/orderq/internal/storage/dynamo"
	"github.com/xenking/orderq/internal/storage/memory"
	"github.com/xenking/orderq/internal/storage/postgres"
)

// orderStore is an order.Store that can report its connectivity.
type orderStore interface {
	order.Store
	Ping(ctx context.Context) error
}

// openStore builds the configured store backend. The returned close function
// releases its connections.
func openStore(ctx context.Context, lg *zap.Logger, cfg StoreConfig) (orderStore, func(), error) {
	lg = lg.With(zap.String("driver", cfg.Driver))

	switch cfg.Driver {
	case DriverMemory:
		lg.Warn("Using in-memory store, orders are lost on restart")
		return memory.NewOrderStore(), func() {}, nil

	case DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, errors.Wrap(err, "run migrations")
		}
		lg.Info("Connected to PostgreSQL")
		return postgres.NewOrderStore(pool), pool.Close, nil

	case DriverDynamoDB:
		client, err := dynamo.NewClient(ctx, dynamo.ClientConfig{
			Region:   cfg.AWSRegion,
			Endpoint: cfg.DynamoEndpoint,
		})
		if err != nil {
			return nil, nil, errors.Wrap(err, "create dynamodb client")
		}
		lg.Info("Using DynamoDB", zap.String("table", cfg.DynamoTable))
		return dynamo.NewOrderStore(client, cfg.DynamoTable), func() {}, nil

	default:
		return nil, nil, errors.Errorf("unknown store driver %q", cfg.Driver)
	}
}
