// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package surveysync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	txMaxAttempts  = 4
	txRetryBackoff = 25 * time.Millisecond
)

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// retryTx runs fn until it succeeds, fails with a non-retryable error, or
// the attempt budget is spent. Backoff grows linearly per attempt.
func retryTx(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		if sleepErr := sleepWithContext(ctx, time.Duration(attempt)*txRetryBackoff); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
