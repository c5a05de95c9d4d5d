package store

import (
	"context"
	"database/sql"
	"math"
	prand "math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultNumTxRetries      = 10
	defaultInitialRetryDelay = 40 * time.Millisecond
	defaultMaxRetryDelay     = 3 * time.Second
)

// txExecutor runs write transactions, retrying the ones that lose a lock
// race
type txExecutor struct {
	db                *sql.DB
	log               logrus.FieldLogger
	numRetries        int
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration
}

func newTxExecutor(db *sql.DB, log logrus.FieldLogger) *txExecutor {
	return &txExecutor{
		db:                db,
		log:               log,
		numRetries:        defaultNumTxRetries,
		initialRetryDelay: defaultInitialRetryDelay,
		maxRetryDelay:     defaultMaxRetryDelay,
	}
}

// randRetryDelay returns a delay between 50% and 150% of the initial delay,
// doubled per attempt and capped.
func (t *txExecutor) randRetryDelay(attempt int) time.Duration {
	halfDelay := t.initialRetryDelay / 2
	randDelay := prand.Int63n(int64(t.initialRetryDelay)) //nolint:gosec

	delay := halfDelay + time.Duration(randDelay)
	if attempt == 0 {
		return delay
	}

	factor := time.Duration(math.Pow(2, math.Min(float64(attempt), 32)))
	delay *= factor //nolint:durationcheck
	if delay > t.maxRetryDelay {
		return t.maxRetryDelay
	}
	return delay
}

func (t *txExecutor) wait(ctx context.Context, attempt int) error {
	delay := t.randRetryDelay(attempt)
	t.log.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).Debug("Retrying busy transaction")

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry reports whether the failed attempt should be retried, waiting out
// the backoff when it should.
func (t *txExecutor) retry(ctx context.Context, attempt int, err error) (bool, error) {
	dbErr := mapSQLError(err)
	if !IsRetryable(dbErr) {
		return false, dbErr
	}
	if err := t.wait(ctx, attempt); err != nil {
		return false, err
	}
	return true, nil
}

func (t *txExecutor) exec(ctx context.Context, body func(*sql.Tx) error) error {
	for i := 0; i < t.numRetries; i++ {
		tx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			if again, err := t.retry(ctx, i, err); !again {
				return err
			}
			continue
		}

		if err := body(tx); err != nil {
			_ = tx.Rollback()
			if again, err := t.retry(ctx, i, err); !again {
				return err
			}
			continue
		}

		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			if again, err := t.retry(ctx, i, err); !again {
				return err
			}
			continue
		}

		return nil
	}

	return ErrRetriesExceeded
}
