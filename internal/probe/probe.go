// Package probe runs certificate inspections: connect, capture, parse,
// normalize and store, reporting every outcome as a result.Result.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gustycube/sslinspect/internal/cabundle"
	"github.com/gustycube/sslinspect/internal/certparse"
	"github.com/gustycube/sslinspect/internal/errsink"
	"github.com/gustycube/sslinspect/internal/metrics"
	"github.com/gustycube/sslinspect/internal/rate"
	"github.com/gustycube/sslinspect/internal/result"
	"github.com/gustycube/sslinspect/internal/store"
	"github.com/gustycube/sslinspect/internal/target"
	"github.com/gustycube/sslinspect/internal/telemetry"
	"github.com/gustycube/sslinspect/internal/tlsinfo"
)

// Fetcher returns the DER leaf certificate presented by host:port.
// *tlsinfo.Dialer is the production implementation.
type Fetcher interface {
	Fetch(ctx context.Context, host string, port int) ([]byte, error)
}

type Probe struct {
	fetch   Fetcher
	store   store.Store
	sink    errsink.Sink
	ratelim *rate.PerHost
	log     *zap.SugaredLogger
	now     func() time.Time
	active  atomic.Int64
}

// New wires a probe. A nil store keeps records in memory, a nil sink
// discards messages and a nil log is replaced by a no-op logger.
func New(f Fetcher, s store.Store, sink errsink.Sink, log *zap.SugaredLogger) *Probe {
	if s == nil {
		s = store.NewMemory()
	}
	if sink == nil {
		sink = errsink.Discard
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Probe{fetch: f, store: s, sink: sink, log: log, now: time.Now}
}

// NewDefault builds a probe with a 30 second dialer, the system CA bundle
// path, an in-memory store and an in-memory error log.
func NewDefault(log *zap.SugaredLogger) (*Probe, *errsink.Log) {
	bundle, err := cabundle.SystemPath()
	if err != nil && log != nil {
		log.Debugw("no system CA bundle", "err", err)
	}
	sink := errsink.New(log)
	d := &tlsinfo.Dialer{Timeout: tlsinfo.DefaultTimeout, CABundle: bundle, Log: log}
	return New(d, store.NewMemory(), sink, log), sink
}

// WithRateLimit spaces out inspections of the same host in Run.
func (p *Probe) WithRateLimit(l *rate.PerHost) *Probe {
	p.ratelim = l
	return p
}

func (p *Probe) Store() store.Store { return p.store }

// Lookup returns the stored record for key, or the NotFound sentinel.
func (p *Probe) Lookup(key string) result.Result { return p.store.Get(key) }

// Keys lists the identity keys of stored records.
func (p *Probe) Keys() []string { return p.store.Keys() }

// Active reports how many Run workers are inspecting right now.
func (p *Probe) Active() int { return int(p.active.Load()) }

// Inspect captures and parses the certificate served on host:port. A
// non-positive port means 443. Successful records are stored under
// store.IdentityKey(host, port); failures are appended to the sink once and
// never stored.
func (p *Probe) Inspect(ctx context.Context, host string, port int) (res result.Result) {
	if port <= 0 {
		port = target.DefaultPort
	}
	key := store.IdentityKey(host, port)

	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "Inspect",
		trace.WithAttributes(attribute.String("host", host), attribute.Int("port", port)))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("inspect panicked", "key", key, "panic", r)
			res = p.fail(result.KindInternal, key, fmt.Sprintf("internal error: %v", r), result.InternalErrorNumber)
		}
		kind := res.Kind.String()
		metrics.InspectionsTotal.WithLabelValues(kind).Inc()
		metrics.InspectDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("outcome", kind))
		if !res.Status() {
			span.SetStatus(codes.Error, res.Error())
		}
		span.End()
	}()

	der, err := p.fetch.Fetch(ctx, host, port)
	if err != nil {
		return p.fetchFailure(key, err)
	}

	cert, err := certparse.Parse(der)
	if err != nil {
		return p.fail(result.KindParseError, key, err.Error(), result.InternalErrorNumber)
	}

	rec := result.NewRecord(key, host, port, cert, p.now())
	if err := p.store.Put(key, rec); err != nil {
		return p.fail(result.KindInternal, key, "store: "+err.Error(), result.InternalErrorNumber)
	}
	metrics.ObserveExpiry(target.Apex(host), time.Until(cert.NotAfter).Seconds())
	p.log.Debugw("inspected", "key", key, "subject", cert.SubjectCN, "not_after", rec.ValidToDate)
	return result.Success(rec)
}

func (p *Probe) fetchFailure(key string, err error) result.Result {
	var ce *tlsinfo.ConnError
	switch {
	case errors.As(err, &ce):
		return p.fail(result.KindConnectError, key, ce.Message, ce.Code)
	case errors.Is(err, tlsinfo.ErrNoCertificate):
		return p.fail(result.KindParseError, key, err.Error(), result.InternalErrorNumber)
	default:
		return p.fail(result.KindInternal, key, err.Error(), result.InternalErrorNumber)
	}
}

func (p *Probe) fail(kind result.Kind, key, msg string, code int) result.Result {
	msg = errsink.Clean(msg)
	p.sink.Append(msg)
	return result.Fail(kind, key, msg, code)
}

// Run inspects targets with the given number of workers until tasks is
// closed or ctx is done. Every result is sent to out when out is non-nil.
func (p *Probe) Run(ctx context.Context, tasks <-chan target.Target, workers int, out chan<- result.Result) {
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				var t target.Target
				var ok bool
				select {
				case <-ctx.Done():
					return
				case t, ok = <-tasks:
					if !ok {
						return
					}
				}
				if p.ratelim != nil {
					if err := p.ratelim.Wait(ctx, t.Host); err != nil {
						return
					}
				}

				p.active.Add(1)
				metrics.ActiveWorkers.Inc()
				res := p.Inspect(ctx, t.Host, t.Port)
				metrics.ActiveWorkers.Dec()
				p.active.Add(-1)

				if out == nil {
					continue
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
}
