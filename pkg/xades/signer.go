package xades

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/beevik/etree"

	"github.com/repuestocontrol/sri/pkg/comprobante"
)

const (
	nsDS       = "http://www.w3.org/2000/09/xmldsig#"
	algC14N    = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	algRSASHA1 = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	algSHA1    = "http://www.w3.org/2000/09/xmldsig#sha1"
	algXPath   = "http://www.w3.org/TR/1999/REC-xpath-19991116"

	xpathExcludeSignature = "not(ancestor-or-self::ds:Signature)"
)

// Signer produces enveloped signatures with one credential. Signing is
// deterministic: identical input bytes yield identical output.
type Signer struct {
	cred *Credential
	log  *slog.Logger
}

func NewSigner(cred *Credential) *Signer {
	return &Signer{
		cred: cred,
		log:  slog.Default().With("component", "xades"),
	}
}

// Sign appends a ds:Signature as the last child of the document root and
// returns the signed document with its XML declaration.
func (s *Signer) Sign(xml []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xml); err != nil {
		return nil, comprobante.Wrap(comprobante.ErrBadPayload, fmt.Sprintf("unparseable document: %v", err))
	}
	root := doc.Root()
	if root == nil {
		return nil, comprobante.Wrap(comprobante.ErrBadPayload, "document has no root element")
	}

	// Reference digest: the document as it stands, before the signature
	// is inserted, matches the xpath transform output.
	digest := sha1.Sum(Canonicalize(root))
	digestB64 := base64.StdEncoding.EncodeToString(digest[:])

	sig, signedInfo := s.buildSignature(digestB64)

	canonicalSignedInfo := canonicalizeWithNS(signedInfo)
	siDigest := sha1.Sum(canonicalSignedInfo)
	sigValue, err := rsa.SignPKCS1v15(nil, s.cred.Key, crypto.SHA1, siDigest[:])
	if err != nil {
		return nil, fmt.Errorf("sign SignedInfo: %w", err)
	}
	sig.FindElement("ds:SignatureValue").SetText(base64.StdEncoding.EncodeToString(sigValue))

	root.AddChild(sig)

	signedDoc := etree.NewDocument()
	signedDoc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	signedDoc.SetRoot(root)
	out, err := signedDoc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize signed document: %w", err)
	}
	s.log.Debug("document signed", "digest", digestB64)
	return out, nil
}

func (s *Signer) buildSignature(digestB64 string) (sig, signedInfo *etree.Element) {
	sig = etree.NewElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", nsDS)

	signedInfo = sig.CreateElement("ds:SignedInfo")
	signedInfo.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", algC14N)
	signedInfo.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", algRSASHA1)

	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "")
	transforms := ref.CreateElement("ds:Transforms")
	xpathTransform := transforms.CreateElement("ds:Transform")
	xpathTransform.CreateAttr("Algorithm", algXPath)
	xpathTransform.CreateElement("ds:XPath").SetText(xpathExcludeSignature)
	transforms.CreateElement("ds:Transform").CreateAttr("Algorithm", algC14N)
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", algSHA1)
	ref.CreateElement("ds:DigestValue").SetText(digestB64)

	sig.CreateElement("ds:SignatureValue")

	keyInfo := sig.CreateElement("ds:KeyInfo")
	x509Data := keyInfo.CreateElement("ds:X509Data")
	x509Data.CreateElement("ds:X509Certificate").
		SetText(base64.StdEncoding.EncodeToString(s.cred.Cert.Raw))

	return sig, signedInfo
}

// canonicalizeWithNS canonicalizes el with the ds namespace declaration in
// scope, as a verifier canonicalizing the detached SignedInfo would see it.
func canonicalizeWithNS(el *etree.Element) []byte {
	cp := el.Copy()
	if cp.SelectAttr("xmlns:ds") == nil {
		cp.CreateAttr("xmlns:ds", nsDS)
	}
	return Canonicalize(cp)
}

// Verify checks the enveloped signature in signed XML: the reference digest
// against the document without its signature, and the signature value
// against the embedded certificate. It returns the certificate so callers
// can inspect the signer identity.
func Verify(signed []byte) (*x509.Certificate, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		return nil, fmt.Errorf("unparseable document: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("document has no root element")
	}
	sig := root.FindElement("ds:Signature")
	if sig == nil {
		return nil, fmt.Errorf("no signature present")
	}

	certText := findText(sig, "ds:KeyInfo/ds:X509Data/ds:X509Certificate")
	certDER, err := base64.StdEncoding.DecodeString(strings.TrimSpace(certText))
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	signedInfo := sig.FindElement("ds:SignedInfo")
	if signedInfo == nil {
		return nil, fmt.Errorf("signature lacks SignedInfo")
	}
	sigValue, err := base64.StdEncoding.DecodeString(strings.TrimSpace(findText(sig, "ds:SignatureValue")))
	if err != nil {
		return nil, fmt.Errorf("decode signature value: %w", err)
	}
	siDigest := sha1.Sum(canonicalizeWithNS(signedInfo))
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate key is %T, need RSA", cert.PublicKey)
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, siDigest[:], sigValue); err != nil {
		return nil, fmt.Errorf("signature value mismatch: %w", err)
	}

	// Recompute the reference digest over the document without the
	// signature subtree.
	stripped := root.Copy()
	for _, el := range stripped.FindElements("ds:Signature") {
		stripped.RemoveChild(el)
	}
	digest := sha1.Sum(Canonicalize(stripped))
	want := strings.TrimSpace(findText(sig, "ds:SignedInfo/ds:Reference/ds:DigestValue"))
	if base64.StdEncoding.EncodeToString(digest[:]) != want {
		return nil, fmt.Errorf("reference digest mismatch")
	}
	return cert, nil
}

func findText(el *etree.Element, path string) string {
	found := el.FindElement(path)
	if found == nil {
		return ""
	}
	return found.Text()
}
