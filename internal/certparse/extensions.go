package certparse

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode/utf16"
)

var (
	oidSubjectKeyID        = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidKeyUsage            = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidSubjectAltName      = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidBasicConstraints    = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidCRLDistribution     = asn1.ObjectIdentifier{2, 5, 29, 31}
	oidCertificatePolicies = asn1.ObjectIdentifier{2, 5, 29, 32}
	oidAuthorityKeyID      = asn1.ObjectIdentifier{2, 5, 29, 35}
	oidExtendedKeyUsage    = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidAuthorityInfoAccess = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}
	oidQualifierCPS        = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 2, 1}
	oidQualifierUserNotice = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 2, 2}
	errTrailingData        = errors.New("trailing data after extension value")
	errNotSequence         = errors.New("extension value is not a SEQUENCE")
)

type policyInformation struct {
	Policy     asn1.ObjectIdentifier
	Qualifiers []policyQualifierInfo `asn1:"optional"`
}

type policyQualifierInfo struct {
	ID        asn1.ObjectIdentifier
	Qualifier asn1.RawValue
}

func renderExtensions(cert *x509.Certificate) (map[string]string, error) {
	out := make(map[string]string)
	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(oidSubjectAltName):
			text, err := altNamesText(ext.Value)
			if err != nil {
				return nil, fmt.Errorf("subjectAltName: %w", err)
			}
			out[ExtSubjectAltName] = text
		case ext.Id.Equal(oidCertificatePolicies):
			text, err := policiesText(ext.Value)
			if err != nil {
				return nil, fmt.Errorf("certificatePolicies: %w", err)
			}
			out[ExtCertificatePolicies] = text
		case ext.Id.Equal(oidKeyUsage):
			out[ExtKeyUsage] = keyUsageText(cert.KeyUsage)
		case ext.Id.Equal(oidExtendedKeyUsage):
			out[ExtExtendedKeyUsage] = extKeyUsageText(cert)
		case ext.Id.Equal(oidBasicConstraints):
			out[ExtBasicConstraints] = basicConstraintsText(cert)
		case ext.Id.Equal(oidSubjectKeyID):
			out[ExtSubjectKeyIdentifier] = hexColons(cert.SubjectKeyId)
		case ext.Id.Equal(oidAuthorityKeyID):
			out[ExtAuthorityKeyIdentifier] = "keyid:" + hexColons(cert.AuthorityKeyId)
		case ext.Id.Equal(oidAuthorityInfoAccess):
			var lines []string
			for _, u := range cert.OCSPServer {
				lines = append(lines, "OCSP - URI:"+u)
			}
			for _, u := range cert.IssuingCertificateURL {
				lines = append(lines, "CA Issuers - URI:"+u)
			}
			out[ExtAuthorityInfoAccess] = strings.Join(lines, "\n")
		case ext.Id.Equal(oidCRLDistribution):
			lines := []string{"Full Name:"}
			for _, u := range cert.CRLDistributionPoints {
				lines = append(lines, "  URI:"+u)
			}
			out[ExtCRLDistributionPoints] = strings.Join(lines, "\n")
		}
	}
	return out, nil
}

// altNamesText walks GeneralNames in encoded order so that interleaved
// name types keep their original positions.
func altNamesText(value []byte) (string, error) {
	var seq asn1.RawValue
	rest, err := asn1.Unmarshal(value, &seq)
	if err != nil {
		return "", err
	}
	if len(rest) != 0 {
		return "", errTrailingData
	}
	if !seq.IsCompound || seq.Tag != asn1.TagSequence || seq.Class != asn1.ClassUniversal {
		return "", errNotSequence
	}

	var parts []string
	rest = seq.Bytes
	for len(rest) > 0 {
		var v asn1.RawValue
		if rest, err = asn1.Unmarshal(rest, &v); err != nil {
			return "", err
		}
		if v.Class != asn1.ClassContextSpecific {
			continue
		}
		switch v.Tag {
		case 0:
			parts = append(parts, "othername:<unsupported>")
		case 1:
			parts = append(parts, "email:"+string(v.Bytes))
		case 2:
			parts = append(parts, "DNS:"+string(v.Bytes))
		case 4:
			n, err := parseName(v.Bytes)
			if err != nil {
				return "", err
			}
			parts = append(parts, "DirName:"+oneline(n))
		case 6:
			parts = append(parts, "URI:"+string(v.Bytes))
		case 7:
			if len(v.Bytes) != net.IPv4len && len(v.Bytes) != net.IPv6len {
				parts = append(parts, "IP Address:<invalid>")
				continue
			}
			parts = append(parts, "IP Address:"+net.IP(v.Bytes).String())
		case 8:
			oid, err := implicitOID(v.Bytes)
			if err != nil {
				return "", err
			}
			parts = append(parts, "Registered ID:"+oid.String())
		}
	}
	return strings.Join(parts, ", "), nil
}

func implicitOID(contents []byte) (asn1.ObjectIdentifier, error) {
	full, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagOID, Bytes: contents})
	if err != nil {
		return nil, err
	}
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(full, &oid); err != nil {
		return nil, err
	}
	return oid, nil
}

func policiesText(value []byte) (string, error) {
	var policies []policyInformation
	rest, err := asn1.Unmarshal(value, &policies)
	if err != nil {
		return "", err
	}
	if len(rest) != 0 {
		return "", errTrailingData
	}

	var lines []string
	for _, p := range policies {
		lines = append(lines, "Policy: "+p.Policy.String())
		for _, q := range p.Qualifiers {
			switch {
			case q.ID.Equal(oidQualifierCPS):
				lines = append(lines, "  CPS: "+string(q.Qualifier.Bytes))
			case q.ID.Equal(oidQualifierUserNotice):
				lines = append(lines, "  User Notice:")
				lines = append(lines, userNoticeLines(q.Qualifier)...)
			default:
				lines = append(lines, "  Unknown Qualifier: "+q.ID.String())
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

func userNoticeLines(v asn1.RawValue) []string {
	var lines []string
	rest := v.Bytes
	for len(rest) > 0 {
		var el asn1.RawValue
		var err error
		if rest, err = asn1.Unmarshal(rest, &el); err != nil {
			return lines
		}
		if el.Class == asn1.ClassUniversal && el.Tag == asn1.TagSequence {
			lines = append(lines, noticeRefLines(el.Bytes)...)
			continue
		}
		lines = append(lines, "    Explicit Text: "+displayText(el))
	}
	return lines
}

func noticeRefLines(b []byte) []string {
	var org asn1.RawValue
	rest, err := asn1.Unmarshal(b, &org)
	if err != nil {
		return nil
	}
	lines := []string{"    Organization: " + displayText(org)}
	var numbers []int
	if _, err := asn1.Unmarshal(rest, &numbers); err == nil && len(numbers) > 0 {
		strs := make([]string, len(numbers))
		for i, n := range numbers {
			strs[i] = fmt.Sprint(n)
		}
		lines = append(lines, "    Number: "+strings.Join(strs, ", "))
	}
	return lines
}

func displayText(v asn1.RawValue) string {
	if v.Tag == asn1.TagBMPString {
		if len(v.Bytes)%2 != 0 {
			return ""
		}
		u := make([]uint16, len(v.Bytes)/2)
		for i := range u {
			u[i] = uint16(v.Bytes[2*i])<<8 | uint16(v.Bytes[2*i+1])
		}
		return string(utf16.Decode(u))
	}
	return string(v.Bytes)
}

var keyUsageNames = []struct {
	bit  x509.KeyUsage
	name string
}{
	{x509.KeyUsageDigitalSignature, "Digital Signature"},
	{x509.KeyUsageContentCommitment, "Non Repudiation"},
	{x509.KeyUsageKeyEncipherment, "Key Encipherment"},
	{x509.KeyUsageDataEncipherment, "Data Encipherment"},
	{x509.KeyUsageKeyAgreement, "Key Agreement"},
	{x509.KeyUsageCertSign, "Certificate Sign"},
	{x509.KeyUsageCRLSign, "CRL Sign"},
	{x509.KeyUsageEncipherOnly, "Encipher Only"},
	{x509.KeyUsageDecipherOnly, "Decipher Only"},
}

func keyUsageText(usage x509.KeyUsage) string {
	var names []string
	for _, ku := range keyUsageNames {
		if usage&ku.bit != 0 {
			names = append(names, ku.name)
		}
	}
	return strings.Join(names, ", ")
}

var extKeyUsageNames = map[x509.ExtKeyUsage]string{
	x509.ExtKeyUsageAny:             "Any Extended Key Usage",
	x509.ExtKeyUsageServerAuth:      "TLS Web Server Authentication",
	x509.ExtKeyUsageClientAuth:      "TLS Web Client Authentication",
	x509.ExtKeyUsageCodeSigning:     "Code Signing",
	x509.ExtKeyUsageEmailProtection: "E-mail Protection",
	x509.ExtKeyUsageTimeStamping:    "Time Stamping",
	x509.ExtKeyUsageOCSPSigning:     "OCSP Signing",
}

func extKeyUsageText(cert *x509.Certificate) string {
	var names []string
	for _, u := range cert.ExtKeyUsage {
		if name, ok := extKeyUsageNames[u]; ok {
			names = append(names, name)
			continue
		}
		names = append(names, fmt.Sprintf("Unknown (%d)", u))
	}
	for _, oid := range cert.UnknownExtKeyUsage {
		names = append(names, oid.String())
	}
	return strings.Join(names, ", ")
}

func basicConstraintsText(cert *x509.Certificate) string {
	if !cert.IsCA {
		return "CA:FALSE"
	}
	if cert.MaxPathLen > 0 || cert.MaxPathLenZero {
		return fmt.Sprintf("CA:TRUE, pathlen:%d", cert.MaxPathLen)
	}
	return "CA:TRUE"
}

func hexColons(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, ":")
}
