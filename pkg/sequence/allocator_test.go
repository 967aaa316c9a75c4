package sequence

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repuestocontrol/sri/pkg/comprobante"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single connection keeps every handle on the same in-memory database
	// and serializes writers.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func invoiceKey() Key {
	return Key{EmitterCode: "001", EmissionPoint: "001", DocType: comprobante.DocTypeInvoice}
}

func TestNextStartsAtOne(t *testing.T) {
	a, err := NewAllocator(openTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	for want := uint32(1); want <= 5; want++ {
		got, err := a.Next(ctx, invoiceKey())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	next, err := a.Peek(ctx, invoiceKey())
	require.NoError(t, err)
	assert.Equal(t, uint32(6), next)
}

func TestCountersAreIndependent(t *testing.T) {
	a, err := NewAllocator(openTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	inv := invoiceKey()
	cn := Key{EmitterCode: "001", EmissionPoint: "001", DocType: comprobante.DocTypeCreditNote}
	other := Key{EmitterCode: "002", EmissionPoint: "001", DocType: comprobante.DocTypeInvoice}

	for i := 0; i < 3; i++ {
		_, err := a.Next(ctx, inv)
		require.NoError(t, err)
	}
	got, err := a.Next(ctx, cn)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got)

	got, err = a.Next(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got)
}

func TestNextConcurrent(t *testing.T) {
	a, err := NewAllocator(openTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	const n = 100
	var (
		mu     sync.Mutex
		values = make(map[uint32]int, n)
		wg     sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			v, err := a.Next(ctx, invoiceKey())
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			values[v]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, values, n, "every allocation must be distinct")
	for want := uint32(1); want <= n; want++ {
		assert.Equal(t, 1, values[want], "value %d", want)
	}
}

func TestReset(t *testing.T) {
	a, err := NewAllocator(openTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Next(ctx, invoiceKey())
	require.NoError(t, err)

	require.NoError(t, a.Reset(ctx, invoiceKey(), 500))
	got, err := a.Next(ctx, invoiceKey())
	require.NoError(t, err)
	assert.Equal(t, uint32(500), got)

	assert.Error(t, a.Reset(ctx, invoiceKey(), 0))
	assert.Error(t, a.Reset(ctx, invoiceKey(), MaxValue+1))
}

func TestExhaustion(t *testing.T) {
	a, err := NewAllocator(openTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.Reset(ctx, invoiceKey(), MaxValue))
	got, err := a.Next(ctx, invoiceKey())
	require.NoError(t, err)
	assert.Equal(t, uint32(MaxValue), got)

	_, err = a.Next(ctx, invoiceKey())
	assert.ErrorIs(t, err, comprobante.ErrSequenceExhausted)

	// Exhaustion is sticky until an operator resets the counter.
	_, err = a.Next(ctx, invoiceKey())
	assert.ErrorIs(t, err, comprobante.ErrSequenceExhausted)
}
