// Package result defines the outcome of a certificate probe: either a
// Record or a Failure, tagged by Kind.
package result

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gustycube/sslinspect/internal/certparse"
	"github.com/gustycube/sslinspect/internal/normalize"
)

// InternalErrorNumber is reported for unexpected failures, parse failures and
// cache misses. Every other error number is a native transport error code.
const InternalErrorNumber = 911

// NotFoundMessage is the error string of the cache-miss sentinel.
const NotFoundMessage = "No information found."

// Kind tags a Result.
type Kind int

const (
	KindCertificate Kind = iota
	KindConnectError
	KindParseError
	KindNotFound
	KindInternal
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindCertificate:
		return "certificate"
	case KindConnectError:
		return "connect_error"
	case KindParseError:
		return "parse_error"
	case KindNotFound:
		return "not_found"
	case KindInternal:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Record is a successfully captured and normalized certificate.
// Records are not modified after they are stored.
type Record struct {
	Key                 string                 `json:"key"`
	Host                string                 `json:"host"`
	Port                int                    `json:"port"`
	Cert                *certparse.Certificate `json:"cert"`
	ValidFromDate       string                 `json:"validFrom_date"`
	ValidToDate         string                 `json:"validTo_date"`
	CertificatePolicies normalize.MultiMap     `json:"certificatePolicies"`
	SubjectAltName      normalize.MultiMap     `json:"subjectAltName"`
	ProbedAt            time.Time              `json:"probed_at"`
}

// NewRecord normalizes cert into a Record stored under key.
func NewRecord(key, host string, port int, cert *certparse.Certificate, now time.Time) *Record {
	return &Record{
		Key:                 key,
		Host:                host,
		Port:                port,
		Cert:                cert,
		ValidFromDate:       certparse.FormatDate(cert.NotBefore),
		ValidToDate:         certparse.FormatDate(cert.NotAfter),
		CertificatePolicies: normalize.Normalize(cert.Extension(certparse.ExtCertificatePolicies), normalize.Lines),
		SubjectAltName:      normalize.Normalize(cert.Extension(certparse.ExtSubjectAltName), normalize.Commas),
		ProbedAt:            now.UTC(),
	}
}

// Failure describes a probe or lookup that produced no record.
type Failure struct {
	Key         string `json:"key,omitempty"`
	ErrorString string `json:"errorString"`
	ErrorNumber int    `json:"errorNumber"`
}

// Result is the outcome of a probe or a store lookup. Exactly one of Record
// and Failure is set, matching Kind.
type Result struct {
	Kind    Kind
	Record  *Record
	Failure *Failure
}

// Success wraps a record.
func Success(r *Record) Result {
	return Result{Kind: KindCertificate, Record: r}
}

// Fail builds a failure result of the given kind.
func Fail(kind Kind, key, msg string, code int) Result {
	return Result{Kind: kind, Failure: &Failure{Key: key, ErrorString: msg, ErrorNumber: code}}
}

// NotFound is the cache-miss sentinel for key.
func NotFound(key string) Result {
	return Fail(KindNotFound, key, NotFoundMessage, InternalErrorNumber)
}

// Status reports whether the result carries a record.
func (r Result) Status() bool { return r.Kind == KindCertificate && r.Record != nil }

// Key returns the identity key of the record or failure, if any.
func (r Result) Key() string {
	switch {
	case r.Record != nil:
		return r.Record.Key
	case r.Failure != nil:
		return r.Failure.Key
	}
	return ""
}

// Error returns the failure message, or "" for a successful result.
func (r Result) Error() string {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.ErrorString
}

type recordJSON struct {
	Status bool `json:"status"`
	*Record
}

type failureJSON struct {
	Status bool   `json:"status"`
	Kind   string `json:"kind"`
	*Failure
}

// MarshalJSON flattens the result into {"status": true, ...record} or
// {"status": false, "errorString": ..., "errorNumber": ...}.
func (r Result) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindCertificate:
		if r.Record == nil {
			return nil, fmt.Errorf("result: certificate result without record")
		}
		return json.Marshal(recordJSON{Status: true, Record: r.Record})
	case KindConnectError, KindParseError, KindNotFound, KindInternal:
		if r.Failure == nil {
			return nil, fmt.Errorf("result: %s result without failure", r.Kind)
		}
		return json.Marshal(failureJSON{Status: false, Kind: r.Kind.String(), Failure: r.Failure})
	default:
		return nil, fmt.Errorf("result: unknown kind %d", r.Kind)
	}
}
