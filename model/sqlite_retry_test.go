package model

import (
	"context"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLocked = errors.New("database is locked")

func TestBusyRetry(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		attempts := 0
		err := busyRetry(context.Background(), dialectSQLite, time.Second, func() error {
			attempts++
			if attempts < 3 {
				return errLocked
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after budget", func(t *testing.T) {
		attempts := 0
		err := busyRetry(context.Background(), dialectSQLite, 50*time.Millisecond, func() error {
			attempts++
			return errLocked
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "still busy")
		assert.Greater(t, attempts, 1)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := busyRetry(ctx, dialectSQLite, time.Second, func() error { return errLocked })
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("other dialects run once", func(t *testing.T) {
		attempts := 0
		err := busyRetry(context.Background(), dialectMySQL, time.Second, func() error {
			attempts++
			return errLocked
		})
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		attempts := 0
		err := busyRetry(context.Background(), dialectSQLite, time.Second, func() error {
			attempts++
			return errors.New("constraint failed")
		})
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
	})
}
