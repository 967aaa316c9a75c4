// Package xades signs comprobante XML with the XAdES-BES enveloped profile
// the SRI accepts: xml-c14n-20010315 canonicalization, rsa-sha1, one
// Reference over the whole document excluding the signature itself, and the
// signing certificate embedded in KeyInfo.
package xades

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/repuestocontrol/sri/pkg/comprobante"
)

// Credential is the signing material extracted from a PKCS#12 file.
type Credential struct {
	Key  *rsa.PrivateKey
	Cert *x509.Certificate
}

// LoadCredential reads a .p12 file, decrypts it with password and verifies
// the certificate is still valid at now.
func LoadCredential(path, password string, now time.Time) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, comprobante.Wrap(comprobante.ErrCertificateNotFound, path)
		}
		return nil, fmt.Errorf("read certificate %s: %w", path, err)
	}
	return ParseCredential(data, password, now)
}

// ParseCredential decodes PKCS#12 bytes.
func ParseCredential(data []byte, password string, now time.Time) (*Credential, error) {
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, comprobante.ErrBadPassphrase
		}
		return nil, comprobante.Wrap(comprobante.ErrBadPassphrase, err.Error())
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("certificate key is %T, need RSA", key)
	}
	if now.After(cert.NotAfter) {
		return nil, comprobante.Wrap(comprobante.ErrCertificateExpired,
			fmt.Sprintf("notAfter %s", cert.NotAfter.Format("2006-01-02")))
	}
	return &Credential{Key: rsaKey, Cert: cert}, nil
}

// CertPEM returns the leaf certificate PEM-encoded.
func (c *Credential) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Cert.Raw})
}

// ExpiresAt reports the certificate expiry.
func (c *Credential) ExpiresAt() time.Time {
	return c.Cert.NotAfter
}
