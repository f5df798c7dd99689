// Package tlsinfo captures the certificate a TLS server presents, without
// verifying it.
package tlsinfo

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds connect plus handshake.
const DefaultTimeout = 30 * time.Second

// ErrNoCertificate is returned when the handshake completes but the peer
// presented no certificate.
var ErrNoCertificate = errors.New("tlsinfo: peer presented no certificate")

// ConnError is a failed connection attempt. Code is the native errno, or 0
// when the failure has none (name resolution, TLS alerts).
type ConnError struct {
	Message string
	Code    int
	Err     error
}

func (e *ConnError) Error() string { return e.Message }

func (e *ConnError) Unwrap() error { return e.Err }

// Dialer opens verification-disabled TLS connections.
type Dialer struct {
	Timeout time.Duration
	// CABundle is the resolved system bundle path, reported in logs only.
	CABundle string
	Log      *zap.SugaredLogger
}

// Fetch connects to host:port, completes a handshake and returns the DER
// bytes of the leaf certificate. It makes a single attempt.
func (d *Dialer) Fetch(ctx context.Context, host string, port int) ([]byte, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // certificates are inspected, never trusted
	}
	if net.ParseIP(host) == nil {
		cfg.ServerName = host
	}
	td := &tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}, Config: cfg}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if d.Log != nil {
		d.Log.Debugw("dialing", "addr", addr, "ca_bundle", d.CABundle)
	}
	conn, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newConnError(err)
	}
	defer conn.Close()

	cs := conn.(*tls.Conn).ConnectionState()
	if len(cs.PeerCertificates) == 0 {
		return nil, ErrNoCertificate
	}
	return cs.PeerCertificates[0].Raw, nil
}

func newConnError(err error) *ConnError {
	return &ConnError{Message: strings.Join(strings.Fields(err.Error()), " "), Code: errnoOf(err), Err: err}
}

func errnoOf(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return int(syscall.ETIMEDOUT)
	}
	return 0
}
