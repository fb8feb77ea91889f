package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-pos/ledger"
	"github.com/warp/clinic-pos/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return NewMemory() })
}

func TestMemory_WithTxRestoresOnPanic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveProduct(ctx, ledger.Product{ID: "p", Name: "P", Quantity: 5}))

	assert.Panics(t, func() {
		_ = m.WithTx(ctx, func(tx ledger.Store) error {
			p, _ := tx.GetProductForUpdate(ctx, "p")
			p.Quantity = 0
			_ = tx.SaveProduct(ctx, p)
			panic("boom")
		})
	})

	p, err := m.GetProduct(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 5, p.Quantity)
}

func TestMemory_WithTxCanceledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := m.WithTx(ctx, func(ledger.Store) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemory_ResetKeepsPatients(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.AddPatient("pat-1")

	require.NoError(t, m.Reset(ctx))

	ok, err := m.PatientExists(ctx, "pat-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.PatientExists(ctx, "pat-2")
	require.NoError(t, err)
	assert.False(t, ok)
}
