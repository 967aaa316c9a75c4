package xsd

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/repuestocontrol/sri/pkg/comprobante"
)

// infoTributariaRequired lists the children every comprobante must carry.
var infoTributariaRequired = []string{
	"ambiente",
	"tipoEmision",
	"razonSocial",
	"ruc",
	"claveAcceso",
	"codDoc",
	"estab",
	"ptoEmision",
	"secuencial",
}

// infoBlocks maps each document type to its type-specific info element.
var infoBlocks = map[comprobante.DocType]string{
	comprobante.DocTypeInvoice:     "infoFactura",
	comprobante.DocTypeCreditNote:  "infoNotaCredito",
	comprobante.DocTypeDebitNote:   "infoNotaDebito",
	comprobante.DocTypeWaybill:     "infoGuiaRemision",
	comprobante.DocTypeWithholding: "infoCompRetencion",
}

// structuralCheck is the best-effort validation used when no schema file is
// available: root element, infoTributaria with its required children, and
// the type-specific info block.
func structuralCheck(root *etree.Element, docType comprobante.DocType) []string {
	var errs []string

	if want := docType.RootElement(); root.Tag != want {
		errs = append(errs, fmt.Sprintf("root element is %q, expected %q", root.Tag, want))
	}

	it := root.FindElement("infoTributaria")
	if it == nil {
		errs = append(errs, "missing element infoTributaria")
	} else {
		for _, name := range infoTributariaRequired {
			el := it.FindElement(name)
			if el == nil || strings.TrimSpace(el.Text()) == "" {
				errs = append(errs, fmt.Sprintf("infoTributaria: missing field %s", name))
			}
		}
	}

	if block, ok := infoBlocks[docType]; ok {
		if root.FindElement(block) == nil {
			errs = append(errs, fmt.Sprintf("missing element %s", block))
		}
	}

	return errs
}
