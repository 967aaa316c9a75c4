package xsd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repuestocontrol/sri/pkg/comprobante"
	"github.com/repuestocontrol/sri/pkg/invoice"
)

const facturaXSD = `<?xml version="1.0" encoding="UTF-8"?>
<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema"
           xmlns:tns="http://www.sri.gob.ec/comprobantes/factura/v1"
           elementFormDefault="qualified"
           targetNamespace="http://www.sri.gob.ec/comprobantes/factura/v1">
    <xs:element name="factura">
        <xs:complexType>
            <xs:sequence>
                <xs:element ref="tns:infoTributaria"/>
                <xs:element ref="tns:infoFactura"/>
                <xs:element ref="tns:detalles" minOccurs="0"/>
            </xs:sequence>
        </xs:complexType>
    </xs:element>
    <xs:element name="infoTributaria">
        <xs:complexType>
            <xs:sequence>
                <xs:element name="ambiente" type="xs:string"/>
                <xs:element name="tipoEmision" type="xs:string"/>
                <xs:element name="razonSocial" type="xs:string"/>
                <xs:element name="nombreComercial" type="xs:string" minOccurs="0"/>
                <xs:element name="ruc" type="xs:string"/>
                <xs:element name="claveAcceso" type="xs:string"/>
                <xs:element name="codDoc" type="xs:string"/>
                <xs:element name="estab" type="xs:string"/>
                <xs:element name="ptoEmision" type="xs:string"/>
                <xs:element name="secuencial" type="xs:string"/>
                <xs:element name="dirMatriz" type="xs:string"/>
            </xs:sequence>
        </xs:complexType>
    </xs:element>
    <xs:element name="infoFactura">
        <xs:complexType>
            <xs:sequence>
                <xs:element name="fechaEmision" type="xs:string"/>
                <xs:element name="tipoIdentificacionComprador" type="xs:string"/>
                <xs:element name="razonSocialComprador" type="xs:string"/>
                <xs:element name="identificacionComprador" type="xs:string"/>
                <xs:element name="totalSinImpuestos" type="xs:string"/>
                <xs:element name="importeTotal" type="xs:string"/>
            </xs:sequence>
        </xs:complexType>
    </xs:element>
    <xs:element name="detalles">
        <xs:complexType>
            <xs:sequence>
                <xs:element name="detalle" maxOccurs="unbounded">
                    <xs:complexType>
                        <xs:sequence>
                            <xs:element name="codigoPrincipal" type="xs:string"/>
                            <xs:element name="descripcion" type="xs:string"/>
                            <xs:element name="cantidad" type="xs:string"/>
                            <xs:element name="precioUnitario" type="xs:string"/>
                            <xs:element name="precioTotalSinImpuesto" type="xs:string"/>
                        </xs:sequence>
                    </xs:complexType>
                </xs:element>
            </xs:sequence>
        </xs:complexType>
    </xs:element>
</xs:schema>`

func schemaDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "factura.xsd"), []byte(facturaXSD), 0o644))
	return dir
}

func sampleInvoiceXML(t *testing.T) []byte {
	t.Helper()
	cfg := &comprobante.EmitterConfig{
		RUC:            "1791234567001",
		LegalName:      "REPUESTOS DEL VALLE S.A.",
		HeadOfficeAddr: "Av. Amazonas N12-34, Quito",
		EmitterCode:    "001",
		EmissionPoint:  "001",
		Environment:    comprobante.EnvTest,
		EmissionMode:   comprobante.EmissionNormal,
	}
	sale := saleFixture{}
	res, err := invoice.NewBuilder(cfg).BuildInvoice(sale, 1, "12345678")
	require.NoError(t, err)
	return res.XML
}

type saleFixture struct{}

func (saleFixture) Header() invoice.Header {
	return invoice.Header{
		Subtotal12: decimal.RequireFromString("24.00"),
		Total:      decimal.RequireFromString("26.88"),
		IssuedAt:   time.Date(2026, 2, 22, 0, 0, 0, 0, time.UTC),
	}
}

func (saleFixture) Lines() []invoice.Line {
	return []invoice.Line{{
		Code:        "FIL-001",
		Description: "Filtro de aceite",
		Quantity:    decimal.RequireFromString("2"),
		UnitPrice:   decimal.RequireFromString("12.00"),
		Subtotal:    decimal.RequireFromString("24.00"),
		TaxRate:     decimal.RequireFromString("12"),
	}}
}

func TestValidateAgainstSchema(t *testing.T) {
	v, err := NewValidator(schemaDir(t))
	require.NoError(t, err)

	res := v.Validate(sampleInvoiceXML(t), comprobante.DocTypeInvoice)
	assert.True(t, res.OK, "errors: %v", res.Errors)
	assert.False(t, res.Fallback)
	assert.Empty(t, res.Errors)
}

func TestValidateMissingRequiredElement(t *testing.T) {
	v, err := NewValidator(schemaDir(t))
	require.NoError(t, err)

	xml := strings.Replace(string(sampleInvoiceXML(t)), "<ruc>1791234567001</ruc>", "", 1)
	res := v.Validate([]byte(xml), comprobante.DocTypeInvoice)
	assert.False(t, res.OK)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "missing required element ruc")
}

func TestValidateWrongRoot(t *testing.T) {
	v, err := NewValidator(schemaDir(t))
	require.NoError(t, err)

	res := v.Validate([]byte(`<notaCredito><infoTributaria/></notaCredito>`), comprobante.DocTypeInvoice)
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors[0], `expected "factura"`)
}

func TestValidateMalformedXML(t *testing.T) {
	v, err := NewValidator(t.TempDir())
	require.NoError(t, err)

	res := v.Validate([]byte("<factura><unclosed>"), comprobante.DocTypeInvoice)
	assert.False(t, res.OK)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "malformed XML")
}

func TestStructuralFallback(t *testing.T) {
	v, err := NewValidator(t.TempDir())
	require.NoError(t, err)

	res := v.Validate(sampleInvoiceXML(t), comprobante.DocTypeInvoice)
	assert.True(t, res.OK, "errors: %v", res.Errors)
	assert.True(t, res.Fallback)
}

func TestStructuralFallbackMissingFields(t *testing.T) {
	v, err := NewValidator(t.TempDir())
	require.NoError(t, err)

	xml := `<factura id="comprobante" version="1.1.0">
		<infoTributaria>
			<ambiente>1</ambiente>
			<tipoEmision>1</tipoEmision>
		</infoTributaria>
	</factura>`
	res := v.Validate([]byte(xml), comprobante.DocTypeInvoice)
	assert.False(t, res.OK)
	assert.True(t, res.Fallback)
	joined := strings.Join(res.Errors, "\n")
	assert.Contains(t, joined, "missing field razonSocial")
	assert.Contains(t, joined, "missing field claveAcceso")
	assert.Contains(t, joined, "missing element infoFactura")
}
