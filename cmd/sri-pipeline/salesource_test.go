package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repuestocontrol/sri/pkg/comprobante"
)

const saleJSON = `{
  "buyer": {"name": "María Pérez", "id": "1712345675", "id_kind": "cedula", "email": "maria@example.com"},
  "subtotal_12": "24.00",
  "subtotal_0": "0",
  "discount": "0",
  "iva": "2.88",
  "total": "26.88",
  "payment_method": "01",
  "issued_at": "2026-02-22T00:00:00Z",
  "lines": [
    {"code": "FIL-001", "description": "Filtro de aceite", "quantity": "2", "unit_price": "12.00", "discount": "0", "subtotal": "24.00", "tax_rate": "12"}
  ]
}`

func TestFileSaleSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sale-77.json"), []byte(saleJSON), 0o644))

	src := newFileSaleSource(dir)
	sale, err := src.Sale(context.Background(), "sale-77")
	require.NoError(t, err)

	h := sale.Header()
	assert.Equal(t, "sale-77", h.SaleRef)
	assert.Equal(t, "1712345675", h.BuyerID)
	assert.Equal(t, "26.88", h.Total.StringFixed(2))
	require.Len(t, sale.Lines(), 1)
	assert.Equal(t, "FIL-001", sale.Lines()[0].Code)
	assert.Equal(t, "12", sale.Lines()[0].TaxRate.String())
}

func TestFileSaleSourceMissing(t *testing.T) {
	src := newFileSaleSource(t.TempDir())
	_, err := src.Sale(context.Background(), "nope")
	assert.ErrorIs(t, err, comprobante.ErrBadPayload)
}

func TestFileSaleSourceMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644))

	src := newFileSaleSource(dir)
	_, err := src.Sale(context.Background(), "bad")
	assert.ErrorIs(t, err, comprobante.ErrBadPayload)
}
