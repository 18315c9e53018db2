package database

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

const serializationFailureCode = "40001"

// RetryPolicy bounds the automatic retry of transactions that fail with a
// serialization conflict. Backoff between attempts is uniformly random in
// [BackoffMin, BackoffMax].
type RetryPolicy struct {
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BackoffMin <= 0 {
		p.BackoffMin = 5 * time.Millisecond
	}
	if p.BackoffMax < p.BackoffMin {
		p.BackoffMax = p.BackoffMin
	}
	return p
}

// TxRunner executes transaction bodies against a database. Bodies must be
// side-effect free apart from their database writes: a body may run more than
// once before its transaction commits.
type TxRunner interface {
	// Serializable runs fn inside a SERIALIZABLE transaction, retrying on
	// serialization failure up to the policy's attempt bound.
	Serializable(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	// Default runs fn inside a transaction at the database's default
	// isolation level, without retry.
	Default(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}

// RetryRunner is the sqlx-backed TxRunner.
type RetryRunner struct {
	db     *sqlx.DB
	policy RetryPolicy
	logger *zap.Logger
}

func NewRetryRunner(db *sqlx.DB, policy RetryPolicy, logger *zap.Logger) *RetryRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryRunner{db: db, policy: policy.withDefaults(), logger: logger}
}

// Serializable implements TxRunner.
func (r *RetryRunner) Serializable(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := r.runOnce(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
		if err == nil {
			return nil
		}
		if !IsSerializationFailure(err) {
			return err
		}
		lastErr = err
		r.logger.Sugar().Warnw("serialization conflict, retrying",
			"attempt", attempt, "max_attempts", r.policy.MaxAttempts)

		if attempt == r.policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.backoff()):
		}
	}
	return appErrors.Wrap(lastErr,
		appErrors.ErrSerializationConflict.Code,
		appErrors.ErrSerializationConflict.Status,
		"serializable transaction retries exhausted")
}

// Default implements TxRunner.
func (r *RetryRunner) Default(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return r.runOnce(ctx, nil, fn)
}

func (r *RetryRunner) runOnce(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, opts)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return tx.Commit()
}

func (r *RetryRunner) backoff() time.Duration {
	spread := r.policy.BackoffMax - r.policy.BackoffMin
	if spread <= 0 {
		return r.policy.BackoffMin
	}
	return r.policy.BackoffMin + time.Duration(rand.Int63n(int64(spread)))
}

// IsSerializationFailure reports whether err is a PostgreSQL serialization
// failure (SQLSTATE 40001).
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == serializationFailureCode
	}
	return false
}
