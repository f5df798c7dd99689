// Package rate spaces out handshakes against the same host.
package rate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxEntries = 10000
	idleAfter  = time.Hour
	sweepEvery = 5 * time.Minute
)

// PerHost keeps one token bucket per host. A non-positive rate disables
// limiting.
type PerHost struct {
	mu        sync.Mutex
	m         map[string]*limitEntry
	perSecond float64
	burst     int
	stop      chan struct{}
	stopOnce  sync.Once
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

func New(perSecond float64, burst int) *PerHost {
	if burst < 1 {
		burst = 1
	}
	ph := &PerHost{
		m:         make(map[string]*limitEntry),
		perSecond: perSecond,
		burst:     burst,
		stop:      make(chan struct{}),
	}
	go ph.sweep()
	return ph
}

// Close stops the idle-entry sweeper.
func (p *PerHost) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *PerHost) sweep() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.prune(time.Now().Add(-idleAfter))
		}
	}
}

func (p *PerHost) prune(cutoff time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.m) <= maxEntries {
		return
	}
	for host, e := range p.m {
		if e.lastUsed.Before(cutoff) {
			delete(p.m, host)
		}
	}
}

func (p *PerHost) entry(host string) *limitEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[host]
	if !ok {
		e = &limitEntry{limiter: rate.NewLimiter(rate.Limit(p.perSecond), p.burst)}
		p.m[host] = e
	}
	e.lastUsed = time.Now()
	return e
}

func (p *PerHost) Allow(host string) bool {
	if p.perSecond <= 0 {
		return true
	}
	return p.entry(host).limiter.Allow()
}

// Wait blocks until host may be contacted or ctx is done.
func (p *PerHost) Wait(ctx context.Context, host string) error {
	if p.perSecond <= 0 {
		return ctx.Err()
	}
	return p.entry(host).limiter.Wait(ctx)
}

// Len reports the number of tracked hosts.
func (p *PerHost) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
