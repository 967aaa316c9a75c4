package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/repuestocontrol/sri/pkg/comprobante"
	"github.com/repuestocontrol/sri/pkg/invoice"
)

// fileSaleSource resolves sale references against JSON files exported by
// the point-of-sale system: <dir>/<ref>.json. The sale data model itself
// lives in that system; this binary only reads the projection.
type fileSaleSource struct {
	dir string
}

func newFileSaleSource(dir string) *fileSaleSource {
	return &fileSaleSource{dir: dir}
}

type saleFile struct {
	Buyer struct {
		Name    string `json:"name"`
		ID      string `json:"id"`
		IDKind  string `json:"id_kind"`
		Address string `json:"address"`
		Phone   string `json:"phone"`
		Email   string `json:"email"`
	} `json:"buyer"`
	Subtotal12    decimal.Decimal `json:"subtotal_12"`
	Subtotal0     decimal.Decimal `json:"subtotal_0"`
	Discount      decimal.Decimal `json:"discount"`
	IVA           decimal.Decimal `json:"iva"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	IssuedAt      time.Time       `json:"issued_at"`
	Lines         []struct {
		Code        string          `json:"code"`
		Description string          `json:"description"`
		Quantity    decimal.Decimal `json:"quantity"`
		UnitPrice   decimal.Decimal `json:"unit_price"`
		Discount    decimal.Decimal `json:"discount"`
		Subtotal    decimal.Decimal `json:"subtotal"`
		TaxRate     decimal.Decimal `json:"tax_rate"`
	} `json:"lines"`
}

type saleView struct {
	header invoice.Header
	lines  []invoice.Line
}

func (s *saleView) Header() invoice.Header { return s.header }
func (s *saleView) Lines() []invoice.Line  { return s.lines }

func (f *fileSaleSource) Sale(_ context.Context, ref string) (invoice.SaleView, error) {
	path := filepath.Join(f.dir, ref+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, comprobante.Wrap(comprobante.ErrBadPayload,
				fmt.Sprintf("sale %q not found under %s", ref, f.dir))
		}
		return nil, fmt.Errorf("read sale %q: %w", ref, err)
	}

	var sf saleFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, comprobante.Wrap(comprobante.ErrBadPayload,
			fmt.Sprintf("sale %q: %v", ref, err))
	}

	view := &saleView{
		header: invoice.Header{
			SaleRef:       ref,
			BuyerName:     sf.Buyer.Name,
			BuyerID:       sf.Buyer.ID,
			BuyerIDKind:   sf.Buyer.IDKind,
			BuyerAddress:  sf.Buyer.Address,
			BuyerPhone:    sf.Buyer.Phone,
			BuyerEmail:    sf.Buyer.Email,
			Subtotal12:    sf.Subtotal12,
			Subtotal0:     sf.Subtotal0,
			Discount:      sf.Discount,
			IVA:           sf.IVA,
			Total:         sf.Total,
			PaymentMethod: sf.PaymentMethod,
			IssuedAt:      sf.IssuedAt,
		},
	}
	for _, l := range sf.Lines {
		view.lines = append(view.lines, invoice.Line{
			Code:        l.Code,
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			Discount:    l.Discount,
			Subtotal:    l.Subtotal,
			TaxRate:     l.TaxRate,
		})
	}
	return view, nil
}
