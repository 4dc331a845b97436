package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	conductor "github.com/go-conductor/conductor"
	"github.com/go-conductor/conductor/breaker"
	"github.com/go-conductor/conductor/eventstore"
	esSql "github.com/go-conductor/conductor/eventstore/sql"
	"github.com/go-conductor/conductor/log"
	"github.com/go-conductor/conductor/projection"
	"github.com/go-conductor/conductor/relay"
	"github.com/go-conductor/conductor/runtime/scheme"
	"github.com/go-conductor/conductor/saga"
	"github.com/go-conductor/conductor/saga/mutex"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v4/stdlib"
)

// An order fulfillment saga: reserve stock, charge the payment, arrange shipping.
// Any step failing unwinds the completed ones in reverse. Run it against the
// in-memory store, or set EVENTSTORE_DSN plus EVENTSTORE_DRIVER (mysql or pg)
// and READMODELS_REDIS to use the durable backends.
func main() {
	logger := log.DefaultLogger()
	logger.SetLevel(log.DebugLevel)

	opts := []conductor.ConfigOption{
		conductor.WithOrchestratorOptions(saga.WithActionRetry(retryPolicy())),
	}

	if dsn := os.Getenv("EVENTSTORE_DSN"); dsn != "" {
		driver := eventstore.PGDriver
		driverName := "pgx"
		newMutex := mutex.NewPgsqlMutex

		if os.Getenv("EVENTSTORE_DRIVER") == "mysql" {
			driver = eventstore.MYSQLDriver
			driverName = "mysql"
			newMutex = mutex.NewMysqlMutex
		}

		db, err := sql.Open(driverName, dsn)

		if err != nil {
			logger.Log(log.FatalLevel, err)
		}

		registry := scheme.NewKnownTypesRegistry()
		saga.RegisterEventTypes(registry)

		store, err := eventstore.NewSQLStore(esSql.NewDB(db), driver, eventstore.NewJSONMarshaller(registry), logger)

		if err != nil {
			logger.Log(log.FatalLevel, err)
		}

		opts = append(opts,
			conductor.WithSchemeRegistry(registry),
			conductor.WithStore(store),
			conductor.WithLocks(newMutex(db)),
		)
	}

	if addr := os.Getenv("READMODELS_REDIS"); addr != "" {
		opts = append(opts, conductor.WithReadModelStore(projection.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}))))
	}

	if url := os.Getenv("AMQP_URL"); url != "" {
		opts = append(opts, conductor.WithRelay(relay.NewRelay(url, "conductor.events", logger)))
	}

	engine, err := conductor.NewEngine(logger, opts...)

	if err != nil {
		logger.Log(log.FatalLevel, err)
	}

	if err := engine.RegisterSaga(orderFulfillment()); err != nil {
		logger.Log(log.FatalLevel, err)
	}

	ctx := context.Background()

	if err := engine.Run(ctx); err != nil {
		logger.Log(log.FatalLevel, err)
	}

	sagaID, err := engine.Service().Submit(ctx, "order_fulfillment", map[string]interface{}{
		"order_id": "order-1042",
		"amount":   99.90,
	})

	if err != nil {
		logger.Log(log.FatalLevel, err)
	}

	logger.Logf(log.InfoLevel, "submitted saga %s", sagaID)

	go func() {
		logger.Log(log.InfoLevel, "status API listening on :8080")
		if err := http.ListenAndServe(":8080", engine.HTTPHandler()); err != nil {
			logger.Log(log.ErrorLevel, err)
		}
	}()

	if err := engine.Shutdown(ctx); err != nil {
		logger.Log(log.FatalLevel, err)
	}

	view, err := engine.Service().GetStatus(ctx, sagaID)

	if err != nil {
		logger.Log(log.FatalLevel, err)
	}

	logger.Logf(log.InfoLevel, "saga %s finished with status %s", sagaID, view.Status)
}

func retryPolicy() breaker.RetryConfig {
	return breaker.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond * 200,
		Multiplier:     2,
		MaxBackoff:     time.Second * 2,
	}
}

func orderFulfillment() saga.Definition {
	return saga.Definition{
		Type: "order_fulfillment",
		ValidateInput: func(input map[string]interface{}) error {
			if _, ok := input["order_id"].(string); !ok {
				return errors.New("'order_id' is required")
			}

			if _, ok := input["amount"].(float64); !ok {
				return errors.New("'amount' is required")
			}

			return nil
		},
		Steps: []saga.Step{
			{
				Name: "reserve_stock",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					reservation := fmt.Sprintf("res-%s", execCtx.IdempotencyKey("reserve_stock"))
					execCtx.Logger().Logf(log.InfoLevel, "reserved stock, reservation %s", reservation)

					return saga.Result{"reservation_id": reservation}, nil
				},
				Compensation: func(ctx context.Context, execCtx saga.ExecutionContext) error {
					reservation, _ := execCtx.Result("reserve_stock")
					execCtx.Logger().Logf(log.InfoLevel, "released reservation %v", reservation["reservation_id"])

					return nil
				},
			},
			{
				Name: "charge_payment",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					amount := execCtx.Input()["amount"].(float64)

					if amount > 10000 {
						// a business rejection, not a transient fault: no retries
						return nil, breaker.Permanent(errors.Errorf("amount %.2f exceeds the limit", amount))
					}

					execCtx.Logger().Logf(log.InfoLevel, "charged %.2f", amount)

					return saga.Result{"charge_id": fmt.Sprintf("ch-%s", execCtx.SagaID())}, nil
				},
				Compensation: func(ctx context.Context, execCtx saga.ExecutionContext) error {
					charge, _ := execCtx.Result("charge_payment")
					execCtx.Logger().Logf(log.InfoLevel, "refunded charge %v", charge["charge_id"])

					return nil
				},
			},
			{
				Name: "arrange_shipping",
				Action: func(ctx context.Context, execCtx saga.ExecutionContext) (saga.Result, error) {
					execCtx.Logger().Log(log.InfoLevel, "shipping arranged")

					return saga.Result{"tracking_number": "TRK-001"}, nil
				},
			},
		},
	}
}
