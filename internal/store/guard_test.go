package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seat struct {
	id    int64
	taken bool
}

var errTaken = errors.New("taken")

func seatReservation(applied *bool) Reservation[seat] {
	return Reservation[seat]{
		Lock: func(ctx context.Context, tx *sql.Tx) (seat, error) {
			var s seat
			err := tx.QueryRowContext(ctx, "SELECT id, taken FROM seats WHERE id = $1 FOR UPDATE", 1).Scan(&s.id, &s.taken)
			return s, err
		},
		Check: func(ctx context.Context, tx *sql.Tx, s seat) error {
			if s.taken {
				return errTaken
			}
			return nil
		},
		Apply: func(ctx context.Context, tx *sql.Tx, s seat) error {
			*applied = true
			return nil
		},
	}
}

func beginMock(t *testing.T) (*sql.Tx, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)
	return tx, mock, func() { db.Close() }
}

func TestReserve_Applies(t *testing.T) {
	tx, mock, done := beginMock(t)
	defer done()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(sqlmock.NewRows([]string{"id", "taken"}).AddRow(1, false))

	var applied bool
	row, err := Reserve(context.Background(), tx, seatReservation(&applied))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(1), row.id)
}

func TestReserve_RecheckUnderLock(t *testing.T) {
	tx, mock, done := beginMock(t)
	defer done()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(sqlmock.NewRows([]string{"id", "taken"}).AddRow(1, true))

	var applied bool
	_, err := Reserve(context.Background(), tx, seatReservation(&applied))
	assert.ErrorIs(t, err, errTaken)
	assert.False(t, applied)
}

func TestReserve_RowGone(t *testing.T) {
	tx, mock, done := beginMock(t)
	defer done()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(sqlmock.NewRows([]string{"id", "taken"}))

	var applied bool
	_, err := Reserve(context.Background(), tx, seatReservation(&applied))
	assert.ErrorIs(t, err, ErrRowGone)
	assert.False(t, applied)
}

func TestReserve_LockTimeout(t *testing.T) {
	tx, mock, done := beginMock(t)
	defer done()
	mock.ExpectQuery("FOR UPDATE").WillReturnError(&pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"})

	var applied bool
	_, err := Reserve(context.Background(), tx, seatReservation(&applied))
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, applied)
}
