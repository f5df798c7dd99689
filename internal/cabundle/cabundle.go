// Package cabundle locates the system CA root bundle.
//
// The path is only reported alongside probes. Certificates are captured with
// verification disabled, so the bundle is never read here.
package cabundle

import (
	"errors"
	"os"
)

// EnvCertFile overrides the lookup when set to an existing file.
const EnvCertFile = "SSL_CERT_FILE"

// ErrNotFound is returned when no candidate bundle exists.
var ErrNotFound = errors.New("cabundle: no system CA bundle found")

// Candidates are checked in order after the environment override.
var Candidates = []string{
	"/etc/ssl/certs/ca-certificates.crt",                // Debian/Ubuntu/Gentoo
	"/etc/pki/tls/certs/ca-bundle.crt",                  // Fedora/RHEL 6
	"/etc/pki/ca-trust/extracted/pem/tls-ca-bundle.pem", // CentOS/RHEL 7
	"/etc/ssl/ca-bundle.pem",                            // OpenSUSE
	"/etc/pki/tls/cacert.pem",                           // OpenELEC
	"/etc/ssl/cert.pem",                                 // Alpine, macOS
	"/usr/local/etc/openssl/cert.pem",                   // Homebrew
	"/usr/local/share/certs/ca-root-nss.crt",            // FreeBSD
}

// Resolver finds a CA bundle path. The zero value uses the process
// environment and Candidates.
type Resolver struct {
	Getenv     func(string) string
	Candidates []string
}

// SystemPath resolves with the default Resolver.
func SystemPath() (string, error) {
	return Resolver{}.Path()
}

// Path returns the first readable bundle file.
func (r Resolver) Path() (string, error) {
	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if p := getenv(EnvCertFile); p != "" && isFile(p) {
		return p, nil
	}
	cands := r.Candidates
	if cands == nil {
		cands = Candidates
	}
	for _, p := range cands {
		if isFile(p) {
			return p, nil
		}
	}
	return "", ErrNotFound
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}
