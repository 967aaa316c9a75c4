// Package ride renders the RIDE, the printed representation of an
// authorized comprobante, as a single-page A4 PDF with the access key
// embedded as Code128 barcode and QR code.
package ride

import (
	"bytes"
	"fmt"
	"image/png"
	"log/slog"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/code128"
	"github.com/boombuler/barcode/qr"
	"github.com/go-pdf/fpdf"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/repuestocontrol/sri/pkg/comprobante"
	"github.com/repuestocontrol/sri/pkg/invoice"
)

// paymentLabels maps SRI formaPago codes to the captions printed on the
// RIDE.
var paymentLabels = map[string]string{
	"01": "SIN UTILIZACION DEL SISTEMA FINANCIERO",
	"15": "COMPENSACION DE DEUDAS",
	"16": "TARJETA DE DEBITO",
	"17": "DINERO ELECTRONICO",
	"18": "TARJETA PREPAGO",
	"19": "TARJETA DE CREDITO",
	"20": "OTROS CON UTILIZACION DEL SISTEMA FINANCIERO",
}

const (
	pageMargin = 10.0
	pageWidth  = 210.0
	bodyWidth  = pageWidth - 2*pageMargin
)

// Renderer produces RIDE PDFs for one emitter. Safe for concurrent use.
type Renderer struct {
	cfg    *comprobante.EmitterConfig
	latin1 *encoding.Encoder
	log    *slog.Logger
}

func NewRenderer(cfg *comprobante.EmitterConfig) *Renderer {
	return &Renderer{
		cfg:    cfg,
		latin1: encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder()),
		log:    slog.Default().With("component", "ride"),
	}
}

// Render draws the RIDE for an authorized document. The layout is fixed:
// emitter and document headers, buyer block, line table, totals, payment
// methods and the access key as barcode and QR.
func (r *Renderer) Render(doc *comprobante.Document, sale invoice.SaleView) ([]byte, error) {
	if len(doc.AccessKey) != 49 {
		return nil, comprobante.Wrap(comprobante.ErrBadPayload,
			fmt.Sprintf("document %s has no access key", doc.ID))
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.AddPage()

	r.drawHeader(pdf, doc)
	r.drawBuyer(pdf, sale.Header())
	r.drawLines(pdf, sale.Lines())
	r.drawTotals(pdf, sale.Header())
	r.drawPayment(pdf, sale.Header())
	if err := r.drawAccessKey(pdf, doc.AccessKey); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render ride for %s: %w", doc.ID, err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) drawHeader(pdf *fpdf.Fpdf, doc *comprobante.Document) {
	colW := bodyWidth / 2
	top := pdf.GetY()

	// Emitter box, left column.
	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetXY(pageMargin, top)
	pdf.MultiCell(colW-2, 5, r.text(r.cfg.LegalName), "", "L", false)
	pdf.SetFont("Helvetica", "", 8)
	if r.cfg.CommercialName != "" {
		pdf.SetX(pageMargin)
		pdf.MultiCell(colW-2, 4, r.text(r.cfg.CommercialName), "", "L", false)
	}
	pdf.SetX(pageMargin)
	pdf.MultiCell(colW-2, 4, r.text("Matriz: "+r.cfg.HeadOfficeAddr), "", "L", false)
	if r.cfg.BranchAddr != "" {
		pdf.SetX(pageMargin)
		pdf.MultiCell(colW-2, 4, r.text("Sucursal: "+r.cfg.BranchAddr), "", "L", false)
	}
	if r.cfg.Phone != "" {
		pdf.SetX(pageMargin)
		pdf.MultiCell(colW-2, 4, r.text("Tel: "+r.cfg.Phone), "", "L", false)
	}
	if r.cfg.Bookkeeping {
		pdf.SetX(pageMargin)
		pdf.MultiCell(colW-2, 4, "OBLIGADO A LLEVAR CONTABILIDAD: SI", "", "L", false)
	}
	leftBottom := pdf.GetY()

	// Document box, right column.
	x := pageMargin + colW
	pdf.SetXY(x, top)
	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(colW, 5, "R.U.C.: "+r.cfg.RUC, "", 1, "L", false, 0, "")
	pdf.SetX(x)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(colW, 6, "FACTURA", "", 1, "L", false, 0, "")
	pdf.SetX(x)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(colW, 5, "No. "+doc.Number(), "", 1, "L", false, 0, "")
	pdf.SetX(x)
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(colW, 4, r.text("NÚMERO DE AUTORIZACIÓN:"), "", 1, "L", false, 0, "")
	pdf.SetX(x)
	pdf.MultiCell(colW, 4, doc.AuthorizationNumber, "", "L", false)
	if !doc.AuthorizationAt.IsZero() {
		pdf.SetX(x)
		pdf.CellFormat(colW, 4,
			r.text("FECHA AUTORIZACIÓN: ")+doc.AuthorizationAt.Format("02/01/2006 15:04:05"),
			"", 1, "L", false, 0, "")
	}
	pdf.SetX(x)
	pdf.CellFormat(colW, 4, "AMBIENTE: "+environmentLabel(doc.Environment), "", 1, "L", false, 0, "")
	pdf.SetX(x)
	pdf.CellFormat(colW, 4, r.text("EMISIÓN: ")+emissionLabel(doc.EmissionMode), "", 1, "L", false, 0, "")
	pdf.SetX(x)
	pdf.CellFormat(colW, 4, "CLAVE DE ACCESO:", "", 1, "L", false, 0, "")
	pdf.SetX(x)
	pdf.SetFont("Helvetica", "", 7)
	pdf.MultiCell(colW, 3.5, doc.AccessKey, "", "L", false)

	if y := pdf.GetY(); y < leftBottom {
		pdf.SetY(leftBottom)
	}
	pdf.Ln(3)
}

func (r *Renderer) drawBuyer(pdf *fpdf.Fpdf, h invoice.Header) {
	name := h.BuyerName
	id := h.BuyerID
	if name == "" {
		name = "CONSUMIDOR FINAL"
	}
	if id == "" {
		id = comprobante.FinalConsumerID
	}

	pdf.SetFont("Helvetica", "B", 8)
	pdf.CellFormat(bodyWidth, 5, r.text("Razón Social / Nombres: ")+r.text(name), "T", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(bodyWidth/2, 4, r.text("Identificación: ")+id, "", 0, "L", false, 0, "")
	pdf.CellFormat(bodyWidth/2, 4,
		r.text("Fecha Emisión: ")+h.IssuedAt.Format("02/01/2006"), "", 1, "L", false, 0, "")
	if h.BuyerAddress != "" {
		pdf.CellFormat(bodyWidth, 4, r.text("Dirección: ")+r.text(h.BuyerAddress), "", 1, "L", false, 0, "")
	}
	pdf.Ln(2)
}

func (r *Renderer) drawLines(pdf *fpdf.Fpdf, lines []invoice.Line) {
	widths := []float64{25, 75, 18, 24, 24, 24}
	headers := []string{"Código", "Descripción", "Cant.", "P. Unitario", "Descuento", "Total"}

	pdf.SetFont("Helvetica", "B", 8)
	pdf.SetFillColor(26, 82, 118)
	pdf.SetTextColor(255, 255, 255)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 6, r.text(h), "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 8)
	pdf.SetTextColor(44, 62, 80)
	for _, line := range lines {
		cells := []string{
			line.Code,
			line.Description,
			line.Quantity.StringFixed(2),
			line.UnitPrice.StringFixed(2),
			line.Discount.StringFixed(2),
			line.Subtotal.StringFixed(2),
		}
		for i, c := range cells {
			align := "R"
			if i < 2 {
				align = "L"
			}
			pdf.CellFormat(widths[i], 5, r.text(c), "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(2)
}

func (r *Renderer) drawTotals(pdf *fpdf.Fpdf, h invoice.Header) {
	labelW, valueW := 50.0, 26.0
	x := pageMargin + bodyWidth - labelW - valueW

	rows := []struct {
		label string
		value string
		bold  bool
	}{
		{"SUBTOTAL 12%", h.Subtotal12.StringFixed(2), false},
		{"SUBTOTAL 0%", h.Subtotal0.StringFixed(2), false},
		{"DESCUENTO", h.Discount.StringFixed(2), false},
		{"IVA", h.IVA.StringFixed(2), false},
		{"VALOR TOTAL", h.Total.StringFixed(2), true},
	}
	for _, row := range rows {
		style := ""
		if row.bold {
			style = "B"
		}
		pdf.SetFont("Helvetica", style, 8)
		pdf.SetX(x)
		pdf.CellFormat(labelW, 5, row.label, "1", 0, "L", false, 0, "")
		pdf.CellFormat(valueW, 5, row.value, "1", 1, "R", false, 0, "")
	}
	pdf.Ln(2)
}

func (r *Renderer) drawPayment(pdf *fpdf.Fpdf, h invoice.Header) {
	code := h.PaymentMethod
	if code == "" {
		code = "01"
	}
	label, ok := paymentLabels[code]
	if !ok {
		label = "OTROS"
	}
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(bodyWidth, 5, "FORMA DE PAGO: "+code+" - "+r.text(label), "", 1, "L", false, 0, "")
	pdf.Ln(2)
}

func (r *Renderer) drawAccessKey(pdf *fpdf.Fpdf, accessKey string) error {
	code, err := code128.Encode(accessKey)
	if err != nil {
		return fmt.Errorf("encode code128: %w", err)
	}
	scaled, err := barcode.Scale(code, 800, 80)
	if err != nil {
		return fmt.Errorf("scale code128: %w", err)
	}
	if err := r.placeImage(pdf, "code128", scaled, pageMargin, pdf.GetY(), bodyWidth, 14); err != nil {
		return err
	}
	pdf.SetY(pdf.GetY() + 15)
	pdf.SetFont("Helvetica", "", 7)
	pdf.CellFormat(bodyWidth, 4, accessKey, "", 1, "C", false, 0, "")

	qrCode, err := qr.Encode(accessKey, qr.M, qr.Auto)
	if err != nil {
		return fmt.Errorf("encode qr: %w", err)
	}
	qrScaled, err := barcode.Scale(qrCode, 200, 200)
	if err != nil {
		return fmt.Errorf("scale qr: %w", err)
	}
	return r.placeImage(pdf, "qr", qrScaled, pageMargin+bodyWidth-28, pdf.GetY()+2, 28, 28)
}

func (r *Renderer) placeImage(pdf *fpdf.Fpdf, name string, img barcode.Barcode, x, y, w, h float64) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode %s png: %w", name, err)
	}
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(name, opts, &buf)
	pdf.ImageOptions(name, x, y, w, h, false, opts, 0, "")
	return pdf.Error()
}

// text re-encodes UTF-8 for the cp1252 core fonts, replacing anything
// outside the codepage.
func (r *Renderer) text(s string) string {
	out, err := r.latin1.String(s)
	if err != nil {
		return s
	}
	return out
}

func environmentLabel(env comprobante.Environment) string {
	if env == comprobante.EnvProduction {
		return "PRODUCCION"
	}
	return "PRUEBAS"
}

func emissionLabel(mode comprobante.EmissionMode) string {
	if mode == comprobante.EmissionContingency {
		return "CONTINGENCIA"
	}
	return "NORMAL"
}
