package invoice

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	"github.com/repuestocontrol/sri/pkg/accesskey"
	"github.com/repuestocontrol/sri/pkg/comprobante"
)

// taxCodeIVA is the SRI tax code for IVA inside impuesto blocks.
const taxCodeIVA = "2"

// ivaRateCodes maps the IVA percentage to its codigoPorcentaje.
var ivaRateCodes = map[string]string{
	"0":  "0",
	"12": "2",
	"14": "3",
}

// Result is what the builder hands back so the caller can persist the key
// and number before signing.
type Result struct {
	XML         []byte
	AccessKey   string
	NumericCode string
	Number      string
}

// Builder renders invoice XML for one emitter.
type Builder struct {
	cfg *comprobante.EmitterConfig
	log *slog.Logger
}

func NewBuilder(cfg *comprobante.EmitterConfig) *Builder {
	return &Builder{
		cfg: cfg,
		log: slog.Default().With("component", "invoice-builder"),
	}
}

// BuildInvoice constructs the factura document for sale under the given
// sequential. Pass the recorded numeric code to rebuild the exact same
// document; pass "" to derive a fresh one.
func (b *Builder) BuildInvoice(sale SaleView, sequential uint32, numericCode string) (*Result, error) {
	h := sale.Header()
	lines := sale.Lines()
	if len(lines) == 0 {
		return nil, comprobante.Wrap(comprobante.ErrBadPayload, "sale has no lines")
	}

	buyer, err := buyerIdentity(h)
	if err != nil {
		return nil, err
	}

	totals, err := computeTotals(h, lines)
	if err != nil {
		return nil, err
	}

	key, code, err := accesskey.Generate(accesskey.Fields{
		IssuedAt:      h.IssuedAt,
		DocType:       comprobante.DocTypeInvoice,
		RUC:           b.cfg.RUC,
		Environment:   b.cfg.Environment,
		EmitterCode:   b.cfg.EmitterCode,
		EmissionPoint: b.cfg.EmissionPoint,
		Sequential:    sequential,
		EmissionMode:  b.cfg.EmissionMode,
		NumericCode:   numericCode,
	})
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("factura")
	root.CreateAttr("id", "comprobante")
	root.CreateAttr("version", "1.1.0")

	b.writeInfoTributaria(root, key, sequential)
	b.writeInfoFactura(root, h, buyer, totals)
	writeDetalles(root, lines)

	doc.Indent(2)
	xml, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize invoice xml: %w", err)
	}

	number := accesskey.FormatNumber(b.cfg.EmitterCode, b.cfg.EmissionPoint, sequential)
	b.log.Debug("invoice built", "number", number, "access_key", key, "total", totals.importeTotal.StringFixed(2))

	return &Result{XML: xml, AccessKey: key, NumericCode: code, Number: number}, nil
}

func (b *Builder) writeInfoTributaria(root *etree.Element, key string, sequential uint32) {
	it := root.CreateElement("infoTributaria")
	it.CreateElement("ambiente").SetText(string(b.cfg.Environment))
	it.CreateElement("tipoEmision").SetText(string(b.cfg.EmissionMode))
	it.CreateElement("razonSocial").SetText(b.cfg.LegalName)
	commercial := b.cfg.CommercialName
	if commercial == "" {
		commercial = b.cfg.LegalName
	}
	it.CreateElement("nombreComercial").SetText(commercial)
	it.CreateElement("ruc").SetText(b.cfg.RUC)
	it.CreateElement("claveAcceso").SetText(key)
	it.CreateElement("codDoc").SetText(string(comprobante.DocTypeInvoice))
	it.CreateElement("estab").SetText(b.cfg.EmitterCode)
	it.CreateElement("ptoEmision").SetText(b.cfg.EmissionPoint)
	it.CreateElement("secuencial").SetText(fmt.Sprintf("%09d", sequential))
	it.CreateElement("dirMatriz").SetText(b.cfg.HeadOfficeAddr)
}

func (b *Builder) writeInfoFactura(root *etree.Element, h Header, buyer buyer, t totals) {
	inf := root.CreateElement("infoFactura")
	inf.CreateElement("fechaEmision").SetText(h.IssuedAt.Format("02/01/2006"))
	branch := b.cfg.BranchAddr
	if branch == "" {
		branch = b.cfg.HeadOfficeAddr
	}
	inf.CreateElement("dirEstablecimiento").SetText(branch)
	inf.CreateElement("tipoIdentificacionComprador").SetText(string(buyer.idType))
	inf.CreateElement("razonSocialComprador").SetText(buyer.name)
	inf.CreateElement("identificacionComprador").SetText(buyer.id)
	inf.CreateElement("direccionComprador").SetText(buyer.address)
	inf.CreateElement("telefonoComprador").SetText(h.BuyerPhone)
	inf.CreateElement("emailComprador").SetText(h.BuyerEmail)
	bookkeeping := "NO"
	if b.cfg.Bookkeeping {
		bookkeeping = "SI"
	}
	inf.CreateElement("obligadoContabilidad").SetText(bookkeeping)
	if b.cfg.SpecialTaxpayer {
		res := b.cfg.SpecialTaxpayerResNum
		if res == "" {
			res = "N/A"
		}
		inf.CreateElement("contribuyenteEspecial").SetText(res)
	}
	providerType := "02"
	if b.cfg.ContributorType == comprobante.ContributorCompany {
		providerType = "01"
	}
	inf.CreateElement("tipoProveedor").SetText(providerType)

	inf.CreateElement("totalSinImpuestos").SetText(t.totalSinImpuestos.StringFixed(2))
	inf.CreateElement("totalDescuento").SetText(t.totalDescuento.StringFixed(2))

	for _, bucket := range t.buckets {
		ti := inf.CreateElement("totalImpuesto")
		ti.CreateElement("codigo").SetText(taxCodeIVA)
		ti.CreateElement("codigoPorcentaje").SetText(bucket.rateCode)
		ti.CreateElement("baseImponible").SetText(bucket.base.StringFixed(2))
		ti.CreateElement("valor").SetText(bucket.tax.StringFixed(2))
	}

	inf.CreateElement("importeTotal").SetText(t.importeTotal.StringFixed(2))
	inf.CreateElement("moneda").SetText("DOLAR")

	pagos := inf.CreateElement("pagos")
	pago := pagos.CreateElement("pago")
	payment := h.PaymentMethod
	if payment == "" {
		payment = "01"
	}
	pago.CreateElement("formaPago").SetText(payment)
	pago.CreateElement("valor").SetText(t.importeTotal.StringFixed(2))
}

func writeDetalles(root *etree.Element, lines []Line) {
	detalles := root.CreateElement("detalles")
	for _, line := range lines {
		d := detalles.CreateElement("detalle")
		d.CreateElement("codigoPrincipal").SetText(line.Code)
		d.CreateElement("descripcion").SetText(line.Description)
		d.CreateElement("cantidad").SetText(line.Quantity.String())
		d.CreateElement("precioUnitario").SetText(line.UnitPrice.StringFixed(2))
		d.CreateElement("descuento").SetText(line.Discount.StringFixed(2))
		d.CreateElement("precioTotalSinImpuesto").SetText(line.Subtotal.StringFixed(2))

		impuestos := d.CreateElement("impuestos")
		imp := impuestos.CreateElement("impuesto")
		imp.CreateElement("codigo").SetText(taxCodeIVA)
		imp.CreateElement("codigoPorcentaje").SetText(ivaRateCodes[line.TaxRate.StringFixed(0)])
		imp.CreateElement("tarifa").SetText(line.TaxRate.StringFixed(0))
		base := line.Subtotal.Sub(line.Discount)
		imp.CreateElement("baseImponible").SetText(base.StringFixed(2))
		imp.CreateElement("valor").SetText(lineTax(base, line.TaxRate).StringFixed(2))
	}
}

type buyer struct {
	idType  comprobante.BuyerIDType
	id      string
	name    string
	address string
}

func buyerIdentity(h Header) (buyer, error) {
	b := buyer{
		idType:  comprobante.BuyerIDTypeFor(h.BuyerIDKind),
		id:      h.BuyerID,
		name:    h.BuyerName,
		address: h.BuyerAddress,
	}
	switch b.idType {
	case comprobante.BuyerIDRUC:
		if !comprobante.ValidRUC(b.id) {
			return buyer{}, comprobante.Wrap(comprobante.ErrBadRUC, fmt.Sprintf("buyer RUC %q", b.id))
		}
	case comprobante.BuyerIDCedula:
		if !comprobante.ValidCedula(b.id) {
			return buyer{}, comprobante.Wrap(comprobante.ErrBadCedula, fmt.Sprintf("buyer cedula %q", b.id))
		}
	case comprobante.BuyerIDFinalConsumer:
		if b.id == "" {
			b.id = comprobante.FinalConsumerID
		}
		if b.name == "" {
			b.name = "CONSUMIDOR FINAL"
		}
	}
	if b.address == "" {
		b.address = "N/A"
	}
	return b, nil
}

type rateBucket struct {
	rateCode string
	base     decimal.Decimal
	tax      decimal.Decimal
}

type totals struct {
	totalSinImpuestos decimal.Decimal
	totalDescuento    decimal.Decimal
	importeTotal      decimal.Decimal
	buckets           []rateBucket
}

func lineTax(base, rate decimal.Decimal) decimal.Decimal {
	return base.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
}

var reconcileTolerance = decimal.RequireFromString("0.01")

// computeTotals aggregates the lines into per-rate buckets. Tax is charged
// on the discounted base per bucket; importeTotal adds the gross bases and
// the taxes, then takes the discount back out. A header total drifting more
// than a cent from the line-derived total rejects the build.
func computeTotals(h Header, lines []Line) (totals, error) {
	type acc struct {
		gross decimal.Decimal
		disc  decimal.Decimal
	}
	byRate := map[string]*acc{}
	var rates []string

	var t totals
	for i, line := range lines {
		rateKey := line.TaxRate.StringFixed(0)
		if _, ok := ivaRateCodes[rateKey]; !ok {
			return totals{}, comprobante.Wrap(comprobante.ErrBadPayload, fmt.Sprintf("line %d: unsupported IVA rate %s%%", i+1, rateKey))
		}
		a, ok := byRate[rateKey]
		if !ok {
			a = &acc{}
			byRate[rateKey] = a
			rates = append(rates, rateKey)
		}
		a.gross = a.gross.Add(line.Subtotal)
		a.disc = a.disc.Add(line.Discount)
		t.totalSinImpuestos = t.totalSinImpuestos.Add(line.Subtotal)
		t.totalDescuento = t.totalDescuento.Add(line.Discount)
	}

	sort.Strings(rates)
	taxSum := decimal.Zero
	for _, rateKey := range rates {
		a := byRate[rateKey]
		rate := decimal.RequireFromString(rateKey)
		base := a.gross.Sub(a.disc)
		tax := lineTax(base, rate)
		taxSum = taxSum.Add(tax)
		if rate.IsZero() && tax.IsZero() && base.IsZero() {
			continue
		}
		t.buckets = append(t.buckets, rateBucket{
			rateCode: ivaRateCodes[rateKey],
			base:     base.Round(2),
			tax:      tax,
		})
	}

	t.importeTotal = t.totalSinImpuestos.Add(taxSum).Sub(t.totalDescuento).Round(2)

	if !h.Total.IsZero() {
		drift := t.importeTotal.Sub(h.Total).Abs()
		if drift.GreaterThan(reconcileTolerance) {
			return totals{}, comprobante.Wrap(comprobante.ErrBadPayload,
				fmt.Sprintf("sale total %s does not reconcile with line total %s", h.Total.StringFixed(2), t.importeTotal.StringFixed(2)))
		}
	}
	t.totalSinImpuestos = t.totalSinImpuestos.Round(2)
	t.totalDescuento = t.totalDescuento.Round(2)
	return t, nil
}
