package xades

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/repuestocontrol/sri/pkg/comprobante"
)

const testPassword = "sri-test"

func makeP12(t *testing.T, notAfter time.Time) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "REPUESTOS DEL VALLE S.A.",
			SerialNumber: "1791234567001",
		},
		NotBefore:   time.Now().Add(-24 * time.Hour),
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pfx, err := pkcs12.Modern.Encode(key, cert, nil, testPassword)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "firma.p12")
	require.NoError(t, os.WriteFile(path, pfx, 0o600))
	return path
}

func testCredential(t *testing.T) *Credential {
	t.Helper()
	path := makeP12(t, time.Now().Add(365*24*time.Hour))
	cred, err := LoadCredential(path, testPassword, time.Now())
	require.NoError(t, err)
	return cred
}

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<factura id="comprobante" version="1.1.0">
  <infoTributaria>
    <ambiente>1</ambiente>
    <ruc>1791234567001</ruc>
    <claveAcceso>2202202601179123456700110010010000000011234567818</claveAcceso>
  </infoTributaria>
  <infoFactura>
    <importeTotal>26.88</importeTotal>
  </infoFactura>
</factura>`

func TestLoadCredential(t *testing.T) {
	cred := testCredential(t)
	assert.NotNil(t, cred.Key)
	assert.Equal(t, "REPUESTOS DEL VALLE S.A.", cred.Cert.Subject.CommonName)
	assert.True(t, cred.ExpiresAt().After(time.Now()))
	assert.Contains(t, string(cred.CertPEM()), "BEGIN CERTIFICATE")
}

func TestLoadCredentialWrongPassword(t *testing.T) {
	path := makeP12(t, time.Now().Add(24*time.Hour))
	_, err := LoadCredential(path, "wrong", time.Now())
	assert.ErrorIs(t, err, comprobante.ErrBadPassphrase)
}

func TestLoadCredentialMissingFile(t *testing.T) {
	_, err := LoadCredential(filepath.Join(t.TempDir(), "nope.p12"), testPassword, time.Now())
	assert.ErrorIs(t, err, comprobante.ErrCertificateNotFound)
}

func TestLoadCredentialExpired(t *testing.T) {
	path := makeP12(t, time.Now().Add(time.Hour))
	_, err := LoadCredential(path, testPassword, time.Now().Add(48*time.Hour))
	assert.ErrorIs(t, err, comprobante.ErrCertificateExpired)
}

func TestSignStructure(t *testing.T) {
	signer := NewSigner(testCredential(t))
	signed, err := signer.Sign([]byte(sampleXML))
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed))
	root := doc.Root()
	require.Equal(t, "factura", root.Tag)

	children := root.ChildElements()
	require.NotEmpty(t, children)
	sig := children[len(children)-1]
	assert.Equal(t, "Signature", sig.Tag)
	assert.Equal(t, nsDS, sig.SelectAttrValue("xmlns:ds", ""))

	si := sig.FindElement("ds:SignedInfo")
	require.NotNil(t, si)
	assert.Equal(t, algC14N, si.FindElement("ds:CanonicalizationMethod").SelectAttrValue("Algorithm", ""))
	assert.Equal(t, algRSASHA1, si.FindElement("ds:SignatureMethod").SelectAttrValue("Algorithm", ""))

	ref := si.FindElement("ds:Reference")
	require.NotNil(t, ref)
	assert.Equal(t, "", ref.SelectAttrValue("URI", "missing"))
	transforms := ref.FindElements("ds:Transforms/ds:Transform")
	require.Len(t, transforms, 2)
	assert.Equal(t, algXPath, transforms[0].SelectAttrValue("Algorithm", ""))
	assert.Equal(t, xpathExcludeSignature, strings.TrimSpace(transforms[0].FindElement("ds:XPath").Text()))
	assert.Equal(t, algC14N, transforms[1].SelectAttrValue("Algorithm", ""))
	assert.Equal(t, algSHA1, ref.FindElement("ds:DigestMethod").SelectAttrValue("Algorithm", ""))
	assert.NotEmpty(t, ref.FindElement("ds:DigestValue").Text())

	assert.NotEmpty(t, sig.FindElement("ds:SignatureValue").Text())
	assert.NotEmpty(t, sig.FindElement("ds:KeyInfo/ds:X509Data/ds:X509Certificate").Text())
}

func TestSignDeterministic(t *testing.T) {
	signer := NewSigner(testCredential(t))
	first, err := signer.Sign([]byte(sampleXML))
	require.NoError(t, err)
	second, err := signer.Sign([]byte(sampleXML))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	cred := testCredential(t)
	signer := NewSigner(cred)
	signed, err := signer.Sign([]byte(sampleXML))
	require.NoError(t, err)

	cert, err := Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, cred.Cert.SerialNumber, cert.SerialNumber)
}

func TestVerifyDetectsTampering(t *testing.T) {
	signer := NewSigner(testCredential(t))
	signed, err := signer.Sign([]byte(sampleXML))
	require.NoError(t, err)

	tampered := strings.Replace(string(signed), "26.88", "99.99", 1)
	_, err = Verify([]byte(tampered))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestVerifyWithoutSignature(t *testing.T) {
	_, err := Verify([]byte(sampleXML))
	assert.ErrorContains(t, err, "no signature")
}

func TestSignRejectsGarbage(t *testing.T) {
	signer := NewSigner(testCredential(t))
	_, err := signer.Sign([]byte("not xml at all <"))
	assert.ErrorIs(t, err, comprobante.ErrBadPayload)
}
