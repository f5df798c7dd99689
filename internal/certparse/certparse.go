// Package certparse decodes X.509 certificates into the flat structure
// used by inspection records, including OpenSSL-style extension text.
package certparse

import (
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/crypto/pkcs7"
)

var (
	// ErrParse indicates bytes that are not a well-formed certificate.
	ErrParse = errors.New("certparse: malformed certificate")

	// ErrValidity indicates a certificate without a readable validity period.
	ErrValidity = errors.New("certparse: missing validity period")

	// ErrNoCertificates indicates a PKCS#7 bundle without certificates.
	ErrNoCertificates = errors.New("certparse: no certificates in PKCS7 data")
)

// DateLayout renders validity timestamps, e.g. "Tue, 15 Nov 2022 00:00:00 +0000".
const DateLayout = time.RFC1123Z

// Extension names, as OpenSSL reports them.
const (
	ExtSubjectAltName         = "subjectAltName"
	ExtCertificatePolicies    = "certificatePolicies"
	ExtKeyUsage               = "keyUsage"
	ExtExtendedKeyUsage       = "extendedKeyUsage"
	ExtBasicConstraints       = "basicConstraints"
	ExtSubjectKeyIdentifier   = "subjectKeyIdentifier"
	ExtAuthorityKeyIdentifier = "authorityKeyIdentifier"
	ExtAuthorityInfoAccess    = "authorityInfoAccess"
	ExtCRLDistributionPoints  = "crlDistributionPoints"
)

// Certificate is the parsed form of a peer certificate.
type Certificate struct {
	Name               string            `json:"name"`
	Subject            string            `json:"subject"`
	SubjectCN          string            `json:"subject_cn"`
	Issuer             string            `json:"issuer"`
	IssuerCN           string            `json:"issuer_cn"`
	Version            int               `json:"version"`
	SerialNumber       string            `json:"serialNumber"`
	SerialNumberHex    string            `json:"serialNumberHex"`
	SignatureAlgorithm string            `json:"signatureType"`
	FingerprintSHA256  string            `json:"fingerprint_sha256"`
	SPKI               string            `json:"spki_sha256"`
	NotBefore          time.Time         `json:"validFrom"`
	NotAfter           time.Time         `json:"validTo"`
	Extensions         map[string]string `json:"extensions"`
	Raw                []byte            `json:"raw"`

	X509 *x509.Certificate `json:"-"`
}

// Extension returns the rendered text of the named extension, or "" when the
// certificate does not carry it.
func (c *Certificate) Extension(name string) string {
	return c.Extensions[name]
}

// Parse decodes a DER certificate.
func Parse(der []byte) (*Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return FromX509(cert)
}

// Decode accepts PEM, DER or a PKCS#7 bundle and parses the first certificate.
func Decode(data []byte) (*Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" && block.Type != "PKCS7" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrParse, block.Type)
		}
		data = block.Bytes
	}

	if cert, err := x509.ParseCertificate(data); err == nil {
		return FromX509(cert)
	}

	p, err := pkcs7.ParsePKCS7(data)
	if err != nil {
		return nil, fmt.Errorf("%w: not a certificate or PKCS7 bundle", ErrParse)
	}
	if len(p.Content.SignedData.Certificates) == 0 {
		return nil, ErrNoCertificates
	}
	return FromX509(p.Content.SignedData.Certificates[0])
}

// FromX509 builds a Certificate from an already parsed certificate.
func FromX509(cert *x509.Certificate) (*Certificate, error) {
	if cert == nil {
		return nil, ErrParse
	}
	if cert.NotBefore.IsZero() || cert.NotAfter.IsZero() {
		return nil, ErrValidity
	}

	exts, err := renderExtensions(cert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	fp := sha256.Sum256(cert.Raw)
	spki := sha256.Sum256(cert.RawSubjectPublicKeyInfo)

	return &Certificate{
		Name:               oneline(cert.Subject),
		Subject:            cert.Subject.String(),
		SubjectCN:          cert.Subject.CommonName,
		Issuer:             cert.Issuer.String(),
		IssuerCN:           cert.Issuer.CommonName,
		Version:            cert.Version,
		SerialNumber:       cert.SerialNumber.String(),
		SerialNumberHex:    strings.ToUpper(cert.SerialNumber.Text(16)),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		FingerprintSHA256:  hex.EncodeToString(fp[:]),
		SPKI:               base64.StdEncoding.EncodeToString(spki[:]),
		NotBefore:          cert.NotBefore.UTC(),
		NotAfter:           cert.NotAfter.UTC(),
		Extensions:         exts,
		Raw:                cert.Raw,
		X509:               cert,
	}, nil
}

// FormatDate renders t in DateLayout, in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

var shortNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.5":                    "serialNumber",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.9":                    "street",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"2.5.4.17":                   "postalCode",
	"1.2.840.113549.1.9.1":       "emailAddress",
	"1.3.6.1.4.1.311.60.2.1.3":   "jurisdictionC",
	"2.5.4.15":                   "businessCategory",
	"0.9.2342.19200300.100.1.25": "DC",
}

// oneline renders a name in OpenSSL's "/C=US/O=Org/CN=host" form.
func oneline(n pkix.Name) string {
	var b strings.Builder
	for _, atv := range n.Names {
		key, ok := shortNames[atv.Type.String()]
		if !ok {
			key = atv.Type.String()
		}
		fmt.Fprintf(&b, "/%s=%v", key, atv.Value)
	}
	return b.String()
}

func parseName(der []byte) (pkix.Name, error) {
	var rdn pkix.RDNSequence
	if _, err := asn1.Unmarshal(der, &rdn); err != nil {
		return pkix.Name{}, err
	}
	var n pkix.Name
	n.FillFromRDNSequence(&rdn)
	return n, nil
}
