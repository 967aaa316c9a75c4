// Package comprobante defines the document model shared by every stage of
// the SRI electronic invoicing pipeline: document types, environments,
// lifecycle states, the Document entity itself, and the emitter
// configuration that parameterizes a pipeline run.
package comprobante

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DocType is the two-digit SRI comprobante type code.
type DocType string

const (
	DocTypeInvoice     DocType = "01" // factura
	DocTypeCreditNote  DocType = "04" // nota de crédito
	DocTypeDebitNote   DocType = "05" // nota de débito
	DocTypeWaybill     DocType = "06" // guía de remisión
	DocTypeWithholding DocType = "07" // comprobante de retención
)

// Valid reports whether t is one of the comprobante types the SRI accepts.
func (t DocType) Valid() bool {
	switch t {
	case DocTypeInvoice, DocTypeCreditNote, DocTypeDebitNote, DocTypeWaybill, DocTypeWithholding:
		return true
	}
	return false
}

// RootElement returns the XML root element name for the comprobante type.
func (t DocType) RootElement() string {
	switch t {
	case DocTypeCreditNote:
		return "notaCredito"
	case DocTypeDebitNote:
		return "notaDebito"
	case DocTypeWaybill:
		return "guiaRemision"
	case DocTypeWithholding:
		return "comprobanteRetencion"
	default:
		return "factura"
	}
}

// Environment selects the SRI endpoint set and the validation policy.
type Environment string

const (
	EnvTest       Environment = "1" // pruebas (celcer.sri.gob.ec)
	EnvProduction Environment = "2" // producción (cel.sri.gob.ec)
)

// EmissionMode is the SRI tipoEmision flag.
type EmissionMode string

const (
	EmissionNormal      EmissionMode = "1"
	EmissionContingency EmissionMode = "2"
)

// State is a document's position in the pipeline state machine.
type State string

const (
	StatePending    State = "PENDING"
	StateXMLBuilt   State = "XML_BUILT"
	StateValidated  State = "VALIDATED"
	StateSigned     State = "SIGNED"
	StateReceived   State = "RECEIVED"
	StateAuthorized State = "AUTHORIZED"
	StateReturned   State = "RETURNED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
// Terminal documents are immutable except for appending observational
// messages.
func (s State) Terminal() bool {
	return s == StateAuthorized || s == StateReturned || s == StateFailed
}

// Severity classifies a document message.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Message is one entry of a document's ordered message log. Code carries
// either an SRI message identifier or one of the pipeline error codes.
type Message struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Text     string   `json:"text"`
	Extra    string   `json:"extra,omitempty"`
}

// Document is the pipeline's central entity: one comprobante progressing
// from PENDING to a terminal state. Documents are never deleted; they are a
// permanent audit record.
type Document struct {
	ID            string
	SaleRef       string
	DocType       DocType
	EmitterCode   string // 3-digit establishment code
	EmissionPoint string // 3-digit emission point code
	Sequential    uint32
	AccessKey     string // 49 decimal digits once allocated
	NumericCode   string // 8-digit entropy component of the access key
	Environment   Environment
	EmissionMode  EmissionMode
	IssuedAt      time.Time // day granularity

	XMLUnsigned   []byte
	XMLSigned     []byte
	XMLAuthorized []byte

	AuthorizationNumber string
	AuthorizationAt     time.Time

	State    State
	Messages []Message

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewDocument creates a PENDING document for a committed sale.
func NewDocument(saleRef string, docType DocType, env Environment, mode EmissionMode, issuedAt time.Time) *Document {
	now := time.Now().UTC()
	return &Document{
		ID:           uuid.NewString(),
		SaleRef:      saleRef,
		DocType:      docType,
		Environment:  env,
		EmissionMode: mode,
		IssuedAt:     issuedAt,
		State:        StatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Number returns the human-readable comprobante number
// ("EEE-PPP-SSSSSSSSS"). It is derived, never authoritative.
func (d *Document) Number() string {
	return fmt.Sprintf("%s-%s-%09d", d.EmitterCode, d.EmissionPoint, d.Sequential)
}

// Append records an observational message. Allowed in every state,
// including terminal ones.
func (d *Document) Append(sev Severity, code, text, extra string) {
	d.Messages = append(d.Messages, Message{Severity: sev, Code: code, Text: text, Extra: extra})
}

// ContributorType distinguishes natural persons from companies for the
// tipoProveedor element.
type ContributorType string

const (
	ContributorNatural ContributorType = "persona_natural"
	ContributorCompany ContributorType = "sociedad"
)

// TaxRegime is the emitter's régimen tributario.
type TaxRegime string

const (
	RegimeGeneral TaxRegime = "general"
	RegimeRIMPE   TaxRegime = "rimpe"
	RegimeRural   TaxRegime = "rural"
)

// EmitterConfig holds everything about the issuing company a pipeline run
// needs. It is read-mostly: the orchestrator takes a snapshot for the
// lifetime of one run, and administrative writes go through the config
// store's exclusive row lock.
type EmitterConfig struct {
	RUC            string `yaml:"ruc"`
	LegalName      string `yaml:"legal_name"`
	CommercialName string `yaml:"commercial_name"`
	HeadOfficeAddr string `yaml:"head_office_addr"`
	BranchAddr     string `yaml:"branch_addr"`
	Phone          string `yaml:"phone"`
	Email          string `yaml:"email"`

	EmitterCode   string `yaml:"emitter_code"`   // establecimiento, 3 digits
	EmissionPoint string `yaml:"emission_point"` // punto de emisión, 3 digits

	IVARatePercent        float64         `yaml:"iva_rate_percent"` // 0, 12 or 14
	Bookkeeping           bool            `yaml:"bookkeeping"`      // obligado a llevar contabilidad
	ContributorType       ContributorType `yaml:"contributor_type"`
	TaxRegime             TaxRegime       `yaml:"tax_regime"`
	SpecialTaxpayer       bool            `yaml:"special_taxpayer"`
	SpecialTaxpayerResNum string          `yaml:"special_taxpayer_res_num"`

	Environment  Environment  `yaml:"environment"`
	EmissionMode EmissionMode `yaml:"emission_mode"`

	CertificatePath     string `yaml:"certificate_path"` // PKCS#12 (.p12)
	CertificatePassword string `yaml:"certificate_password"`

	AutoEmail     bool   `yaml:"auto_email"`
	EmailTemplate string `yaml:"email_template"` // {{cliente}}, {{numero_factura}}, {{total}}
}

// Validate checks the fields every pipeline run depends on.
func (c *EmitterConfig) Validate() error {
	if !ValidRUC(c.RUC) {
		return ErrBadRUC
	}
	if len(c.EmitterCode) != 3 {
		return Wrap(ErrBadPayload, "emitter code must have 3 digits")
	}
	if len(c.EmissionPoint) != 3 {
		return Wrap(ErrBadPayload, "emission point must have 3 digits")
	}
	if c.LegalName == "" {
		return Wrap(ErrBadPayload, "legal name is required")
	}
	if c.Environment != EnvTest && c.Environment != EnvProduction {
		return Wrap(ErrBadPayload, fmt.Sprintf("unknown environment %q", c.Environment))
	}
	return nil
}
