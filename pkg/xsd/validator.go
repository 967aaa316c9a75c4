// Package xsd checks comprobante XML against the official SRI schema files.
// Schemas are loaded once and cached by document type. When a schema file is
// missing the validator falls back to a structural check; fallback results
// carry a flag so the caller can downgrade them to warnings in the test
// environment.
package xsd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/beevik/etree"

	"github.com/repuestocontrol/sri/pkg/comprobante"
)

// schemaFiles maps document types to the official XSD file names.
var schemaFiles = map[comprobante.DocType]string{
	comprobante.DocTypeInvoice:     "factura.xsd",
	comprobante.DocTypeCreditNote:  "notaCredito.xsd",
	comprobante.DocTypeDebitNote:   "notaDebito.xsd",
	comprobante.DocTypeWaybill:     "guiaRemision.xsd",
	comprobante.DocTypeWithholding: "retencion.xsd",
}

// Result is the outcome of one validation pass.
type Result struct {
	OK       bool
	Fallback bool
	Errors   []string
}

// Validator holds the parsed schema set.
type Validator struct {
	schemas map[comprobante.DocType]*schema
	log     *slog.Logger
}

// NewValidator loads every schema file found under dir. Missing files are
// tolerated; the affected document types use the structural fallback.
func NewValidator(dir string) (*Validator, error) {
	v := &Validator{
		schemas: make(map[comprobante.DocType]*schema),
		log:     slog.Default().With("component", "xsd"),
	}
	for dt, name := range schemaFiles {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				v.log.Warn("schema file missing, structural fallback active", "doc_type", string(dt), "path", path)
				continue
			}
			return nil, fmt.Errorf("read schema %s: %w", path, err)
		}
		s, err := parseSchema(raw)
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", path, err)
		}
		v.schemas[dt] = s
		v.log.Info("schema loaded", "doc_type", string(dt), "path", path)
	}
	return v, nil
}

// Validate checks xml against the schema for docType.
func (v *Validator) Validate(xml []byte, docType comprobante.DocType) Result {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xml); err != nil {
		return Result{Errors: []string{fmt.Sprintf("malformed XML: %v", err)}}
	}
	root := doc.Root()
	if root == nil {
		return Result{Errors: []string{"document has no root element"}}
	}

	s, ok := v.schemas[docType]
	if !ok {
		errs := structuralCheck(root, docType)
		return Result{OK: len(errs) == 0, Fallback: true, Errors: errs}
	}

	errs := s.check(root, docType)
	if len(errs) > 0 {
		v.log.Warn("schema validation failed", "doc_type", string(docType), "errors", len(errs))
	}
	return Result{OK: len(errs) == 0, Errors: errs}
}

// schema is the requirement set extracted from one XSD file: for every
// declared element with a complex type, the children that must be present.
type schema struct {
	rootName string
	required map[string][]string
}

func parseSchema(raw []byte) (*schema, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil || root.Tag != "schema" {
		return nil, fmt.Errorf("not an XML schema document")
	}

	s := &schema{required: make(map[string][]string)}
	for _, el := range root.ChildElements() {
		if el.Tag != "element" {
			continue
		}
		if s.rootName == "" {
			s.rootName = el.SelectAttrValue("name", "")
		}
		collectRequired(el, s.required)
	}
	if s.rootName == "" {
		return nil, fmt.Errorf("schema declares no elements")
	}
	return s, nil
}

// childByTag matches on the local tag so the xs: prefix does not matter.
func childByTag(el *etree.Element, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

// collectRequired walks an xs:element declaration and records, per element
// name, the sequence children whose minOccurs is not zero.
func collectRequired(el *etree.Element, out map[string][]string) {
	name := el.SelectAttrValue("name", "")
	if name == "" {
		return
	}
	ct := childByTag(el, "complexType")
	if ct == nil {
		return
	}
	seq := childByTag(ct, "sequence")
	if seq == nil {
		return
	}
	var required []string
	for _, child := range seq.ChildElements() {
		if child.Tag != "element" {
			continue
		}
		childName := child.SelectAttrValue("name", "")
		if childName == "" {
			// A ref points at a top-level declaration handled separately.
			ref := child.SelectAttrValue("ref", "")
			childName = stripPrefix(ref)
		}
		if childName == "" {
			continue
		}
		if child.SelectAttrValue("minOccurs", "1") != "0" {
			required = append(required, childName)
		}
		collectRequired(child, out)
	}
	out[name] = required
}

func stripPrefix(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}

// check verifies the document tree against the requirement set.
func (s *schema) check(root *etree.Element, docType comprobante.DocType) []string {
	var errs []string
	if want := docType.RootElement(); root.Tag != want {
		errs = append(errs, fmt.Sprintf("root element is %q, expected %q", root.Tag, want))
	}
	errs = append(errs, s.checkElement(root, root.Tag)...)
	return errs
}

func (s *schema) checkElement(el *etree.Element, path string) []string {
	var errs []string
	required, ok := s.required[el.Tag]
	if ok {
		for _, name := range required {
			if el.FindElement(name) == nil {
				errs = append(errs, fmt.Sprintf("%s: missing required element %s", path, name))
			}
		}
	}
	for _, child := range el.ChildElements() {
		errs = append(errs, s.checkElement(child, path+"/"+child.Tag)...)
	}
	return errs
}
