package probe

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/sslinspect/internal/certparse"
	"github.com/gustycube/sslinspect/internal/errsink"
	"github.com/gustycube/sslinspect/internal/metrics"
	"github.com/gustycube/sslinspect/internal/rate"
	"github.com/gustycube/sslinspect/internal/result"
	"github.com/gustycube/sslinspect/internal/store"
	"github.com/gustycube/sslinspect/internal/target"
	"github.com/gustycube/sslinspect/internal/tlsinfo"
)

type fakeFetcher struct {
	mu    sync.Mutex
	der   []byte
	err   error
	panic bool
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, host string, port int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panic {
		panic("boom")
	}
	return f.der, f.err
}

func selfSigned(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Date(2022, 11, 15, 0, 0, 0, 0, time.UTC),
		NotAfter:     time.Date(2032, 11, 15, 0, 0, 0, 0, time.UTC),
		DNSNames:     []string{cn, "www." + cn},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func TestInspect_Success(t *testing.T) {
	sink := errsink.New(nil)
	s := store.NewMemory()
	p := New(&fakeFetcher{der: selfSigned(t, "example.com")}, s, sink, nil)

	res := p.Inspect(context.Background(), "Example.COM", 443)
	require.True(t, res.Status(), res.Error())

	rec := res.Record
	assert.Equal(t, "example_com_443", rec.Key)
	assert.Equal(t, "Tue, 15 Nov 2022 00:00:00 +0000", rec.ValidFromDate)
	assert.False(t, rec.Cert.NotBefore.After(rec.Cert.NotAfter))
	assert.Equal(t, []string{"example.com", "www.example.com"}, rec.SubjectAltName.Values("dns"))
	assert.Equal(t, []string{"127.0.0.1"}, rec.SubjectAltName.Values("ip_address"))
	assert.Empty(t, rec.CertificatePolicies)

	assert.True(t, p.Lookup("example_com_443").Status())
	assert.Equal(t, []string{"example_com_443"}, p.Keys())
	assert.Equal(t, 0, sink.Len())
}

func TestInspect_DefaultPort(t *testing.T) {
	p := New(&fakeFetcher{der: selfSigned(t, "example.com")}, nil, nil, nil)
	res := p.Inspect(context.Background(), "example.com", 0)
	require.True(t, res.Status())
	assert.Equal(t, "example_com_443", res.Key())
	assert.Equal(t, 443, res.Record.Port)
}

func TestInspect_LatestWins(t *testing.T) {
	f := &fakeFetcher{der: selfSigned(t, "a.example")}
	p := New(f, store.NewMemory(), nil, nil)

	require.True(t, p.Inspect(context.Background(), "host.example", 443).Status())
	f.der = selfSigned(t, "b.example")
	require.True(t, p.Inspect(context.Background(), "host.example", 443).Status())

	got := p.Lookup("host_example_443")
	require.True(t, got.Status())
	assert.Equal(t, "b.example", got.Record.Cert.SubjectCN)
	assert.Len(t, p.Keys(), 1)
}

func TestInspect_Failures(t *testing.T) {
	tests := []struct {
		name     string
		fetcher  *fakeFetcher
		wantKind result.Kind
		wantCode int
	}{
		{
			name:     "connection error keeps errno",
			fetcher:  &fakeFetcher{err: &tlsinfo.ConnError{Message: "connect: connection   refused", Code: int(syscall.ECONNREFUSED)}},
			wantKind: result.KindConnectError,
			wantCode: int(syscall.ECONNREFUSED),
		},
		{
			name:     "no peer certificate",
			fetcher:  &fakeFetcher{err: tlsinfo.ErrNoCertificate},
			wantKind: result.KindParseError,
			wantCode: 911,
		},
		{
			name:     "malformed certificate",
			fetcher:  &fakeFetcher{der: []byte("garbage")},
			wantKind: result.KindParseError,
			wantCode: 911,
		},
		{
			name:     "unexpected error",
			fetcher:  &fakeFetcher{err: errors.New("something else")},
			wantKind: result.KindInternal,
			wantCode: 911,
		},
		{
			name:     "panic is contained",
			fetcher:  &fakeFetcher{panic: true},
			wantKind: result.KindInternal,
			wantCode: 911,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := errsink.New(nil)
			s := store.NewMemory()
			p := New(tt.fetcher, s, sink, nil)

			res := p.Inspect(context.Background(), "down.example", 443)
			assert.False(t, res.Status())
			assert.Equal(t, tt.wantKind, res.Kind)
			require.NotNil(t, res.Failure)
			assert.Equal(t, tt.wantCode, res.Failure.ErrorNumber)
			assert.Equal(t, "down_example_443", res.Failure.Key)
			assert.NotEmpty(t, res.Failure.ErrorString)

			assert.Equal(t, 1, sink.Len(), "one sink entry per failure")
			assert.Equal(t, res.Failure.ErrorString, sink.Messages()[0])
			assert.Empty(t, s.Keys(), "failures are never stored")
		})
	}
}

func TestInspect_ConnectionMessageCollapsed(t *testing.T) {
	sink := errsink.New(nil)
	p := New(&fakeFetcher{err: &tlsinfo.ConnError{Message: " connect:\n connection   refused ", Code: 111}}, nil, sink, nil)
	res := p.Inspect(context.Background(), "x.example", 443)
	assert.Equal(t, "connect: connection refused", res.Failure.ErrorString)
}

func TestInspect_LookupMiss(t *testing.T) {
	p := New(&fakeFetcher{}, nil, nil, nil)
	res := p.Lookup("nothing_here_443")
	assert.Equal(t, result.KindNotFound, res.Kind)
	assert.Equal(t, 911, res.Failure.ErrorNumber)
	assert.Equal(t, "No information found.", res.Failure.ErrorString)
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	h, ps, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(ps)
	require.NoError(t, err)
	return h, port
}

func TestInspect_LiveTLSServer(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()
	host, port := hostPort(t, srv.Listener.Addr().String())

	sink := errsink.New(nil)
	p := New(&tlsinfo.Dialer{Timeout: 5 * time.Second}, store.NewMemory(), sink, nil)
	res := p.Inspect(context.Background(), host, port)

	require.True(t, res.Status(), res.Error())
	assert.Equal(t, store.IdentityKey(host, port), res.Record.Key)
	from, err := time.Parse(certparse.DateLayout, res.Record.ValidFromDate)
	require.NoError(t, err)
	to, err := time.Parse(certparse.DateLayout, res.Record.ValidToDate)
	require.NoError(t, err)
	assert.False(t, from.After(to))
	assert.Contains(t, res.Record.SubjectAltName.Values("dns"), "example.com")
	assert.Equal(t, 0, sink.Len())
}

func TestInspect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := hostPort(t, ln.Addr().String())
	ln.Close()

	sink := errsink.New(nil)
	p := New(&tlsinfo.Dialer{Timeout: 2 * time.Second}, store.NewMemory(), sink, nil)
	before := sink.Len()
	res := p.Inspect(context.Background(), host, port)

	assert.False(t, res.Status())
	assert.Equal(t, result.KindConnectError, res.Kind)
	assert.Equal(t, int(syscall.ECONNREFUSED), res.Failure.ErrorNumber)
	assert.Equal(t, before+1, sink.Len())
}

func TestRun(t *testing.T) {
	p := New(&fakeFetcher{der: selfSigned(t, "example.com")}, store.NewMemory(), nil, nil)
	p.WithRateLimit(rate.New(1000, 10))

	tasks := make(chan target.Target)
	out := make(chan result.Result, 8)
	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), tasks, 3, out)
		close(done)
	}()

	hosts := []string{"a.example", "b.example", "c.example", "d.example"}
	for _, h := range hosts {
		tasks <- target.Target{Host: h, Port: 443}
	}
	close(tasks)
	<-done
	close(out)

	var keys []string
	for res := range out {
		assert.True(t, res.Status())
		keys = append(keys, res.Key())
	}
	assert.ElementsMatch(t, []string{"a_example_443", "b_example_443", "c_example_443", "d_example_443"}, keys)
	assert.Len(t, p.Keys(), 4)
	assert.Equal(t, 0, p.Active())
}

func TestRun_StopsOnCancel(t *testing.T) {
	p := New(&fakeFetcher{der: selfSigned(t, "example.com")}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	tasks := make(chan target.Target)

	done := make(chan struct{})
	go func() {
		p.Run(ctx, tasks, 2, nil)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func BenchmarkInspect(b *testing.B) {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "bench.example"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"bench.example"},
	}
	der, _ := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	p := New(&fakeFetcher{der: der}, nil, nil, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Inspect(context.Background(), "bench.example", 443)
	}
}

func TestInspect_ExpiryGaugeByApex(t *testing.T) {
	p := New(&fakeFetcher{der: selfSigned(t, "gauge-apex.co.uk")}, nil, nil, nil)
	for _, host := range []string{"a.gauge-apex.co.uk", "B.Gauge-Apex.co.uk", "gauge-apex.co.uk"} {
		for _, port := range []int{443, 8443} {
			require.True(t, p.Inspect(context.Background(), host, port).Status())
		}
	}

	srv := httptest.NewServer(metrics.Handler(nil))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var series int
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, "sslinspect_cert_expiry_seconds{") && strings.Contains(line, "gauge") {
			series++
			assert.Contains(t, line, `apex="gauge-apex.co.uk"`)
		}
	}
	assert.Equal(t, 1, series, "six endpoints under one apex share a series")
}
