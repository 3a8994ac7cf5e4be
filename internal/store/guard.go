package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Reservation describes an exclusive claim on a single row: lock it, recheck
// its invariant while the lock is held, then mutate.
type Reservation[R any] struct {
	// Lock selects the row with FOR UPDATE. It returns sql.ErrNoRows when the
	// row does not exist.
	Lock func(ctx context.Context, tx *sql.Tx) (R, error)
	// Check is the authoritative invariant check. It runs under the lock and
	// may query through tx.
	Check func(ctx context.Context, tx *sql.Tx, row R) error
	// Apply performs the mutation.
	Apply func(ctx context.Context, tx *sql.Tx, row R) error
}

// Reserve executes r inside tx. Whatever the outcome, the caller owns the
// transaction and is responsible for rolling it back on error.
func Reserve[R any](ctx context.Context, tx *sql.Tx, r Reservation[R]) (R, error) {
	row, err := r.Lock(ctx, tx)
	if err != nil {
		var zero R
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return zero, ErrRowGone
		case IsLockTimeout(err):
			return zero, fmt.Errorf("%w: %w", ErrLockTimeout, err)
		}
		return zero, err
	}
	if r.Check != nil {
		if err := r.Check(ctx, tx, row); err != nil {
			return row, err
		}
	}
	if r.Apply != nil {
		if err := r.Apply(ctx, tx, row); err != nil {
			return row, err
		}
	}
	return row, nil
}
