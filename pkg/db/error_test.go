package db_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/lexcredit/pkg/db"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gorm translated", fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true},
		{"postgres", &pgconn.PgError{Code: "23505"}, true},
		{"postgres other", &pgconn.PgError{Code: "23503"}, false},
		{"sqlite", errors.New("UNIQUE constraint failed: webhook_events.event_id"), true},
		{"mysql", errors.New("Error 1062 (23000): Duplicate entry"), true},
		{"other", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, db.IsDuplicateKeyErr(tc.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, db.IsRetryable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, db.IsRetryable(fmt.Errorf("tx: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, db.IsRetryable(&pgconn.PgError{Code: "23505"}))
	assert.True(t, db.IsRetryable(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, db.IsRetryable(errors.New("boom")))
}

func TestWithRetry(t *testing.T) {
	calls := 0
	err := db.WithRetry(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	err = db.WithRetry(context.Background(), 3, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	calls = 0
	err = db.WithRetry(context.Background(), 2, func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	assert.True(t, db.IsRetryable(err))
	assert.Equal(t, 2, calls)
}
