package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-pos/ledger"
	"github.com/warp/clinic-pos/store/storetest"
)

// Set TEST_DATABASE_URL to a disposable database to run these.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := New(ctx, url)
	require.NoError(t, err)
	require.NoError(t, store.Reset(ctx))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return newTestStore(t) })
}

func TestMapError(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		err := mapError(&pgconn.PgError{Code: code})
		assert.True(t, errors.Is(err, ledger.ErrConcurrentModification), code)
	}

	other := &pgconn.PgError{Code: "23503"}
	assert.Equal(t, error(other), mapError(other))
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
}
