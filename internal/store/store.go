package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/pkg/clients"
	"github.com/AxonStream/axonpuls/pkg/logging"
)

// DefaultTimeout bounds a single statement attempt.
const DefaultTimeout = 5 * time.Second

// Store is the raw-SQL repository for all persisted entities. Every query
// carries the caller's organization id in its predicate; the store never
// returns rows that cross a tenant boundary. Calls run behind a retry policy
// for transient failures and a circuit breaker shared by all statements.
type Store struct {
	db      *sql.DB
	logger  logging.Logger
	exec    *clients.Executor
	breaker *clients.CircuitBreaker
	timeout time.Duration
}

// New wires a Store over an open pool.
func New(db *sql.DB, logger logging.Logger) *Store {
	cb := clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:          "store",
		Timeout:       15 * time.Second,
		FailureRatio:  0.5,
		MinRequests:   10,
		Logger:        logger,
		OnStateChange: clients.CircuitBreakerMetricsCallback("store"),
	})

	retry := clients.RetryConfig{
		MaxRetries: 2,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		RetryIf:    models.IsTransient,
	}

	return &Store{
		db:      db,
		logger:  logger,
		exec:    clients.NewExecutor(retry, cb),
		breaker: cb,
		timeout: DefaultTimeout,
	}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Breaker exposes circuit state for the health endpoint.
func (s *Store) Breaker() *clients.CircuitBreaker { return s.breaker }

// do runs one statement attempt with a fresh deadline per try, classifying
// failures into the shared taxonomy so RetryIf sees them.
func (s *Store) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.exec.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return classify(fn(opCtx))
	})
}

// classify maps database errors onto the shared taxonomy. Unique violations
// become Conflict, connection and serialization failures become Transient
// (and get retried), missing rows become NotFound.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if models.Classified(err) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %s", models.ErrConflict, pqErr.Constraint)
		case pqErr.Code.Class() == "08", // connection exceptions
			pqErr.Code == "40001", // serialization_failure
			pqErr.Code == "40P01", // deadlock_detected
			pqErr.Code == "57P03": // cannot_connect_now
			return fmt.Errorf("%w: %v", models.ErrTransient, err)
		}
	}

	return fmt.Errorf("%w: %v", models.ErrFatal, err)
}
