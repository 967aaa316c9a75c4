// Package invoice builds comprobante XML from sale data. The sale, client
// and inventory models live in other systems; this package only reads the
// SaleView contract.
package invoice

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleView is the read-only projection of a sale that the builder consumes.
type SaleView interface {
	Header() Header
	Lines() []Line
}

// Header carries the sale-level fields.
type Header struct {
	SaleRef string

	BuyerName    string
	BuyerID      string
	BuyerIDKind  string // "ruc", "cedula", "pasaporte" or "consumidor_final"
	BuyerAddress string
	BuyerPhone   string
	BuyerEmail   string

	Subtotal12    decimal.Decimal
	Subtotal0     decimal.Decimal
	Discount      decimal.Decimal
	IVA           decimal.Decimal
	Total         decimal.Decimal
	PaymentMethod string // SRI payment code, "01" when empty

	IssuedAt time.Time
}

// Line is one sale detail row. TaxRate is the IVA percentage applied to the
// line (0, 12 or 14).
type Line struct {
	Code        string
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal
	Subtotal    decimal.Decimal
	TaxRate     decimal.Decimal
}
