// Package circuitbreaker stops repeated calls to a failing downstream
// (the ingest endpoint) so callers can fall back immediately.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpenState is returned without calling fn while the breaker is open.
var ErrOpenState = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	// Threshold is the minimum number of calls in a window before the
	// failure ratio is evaluated.
	Threshold uint32
	// FailureRatio opens the breaker when reached.
	FailureRatio float64
	// Cooldown is how long the breaker stays open before letting one
	// trial call through.
	Cooldown time.Duration
	// Interval clears the counts of a closed breaker.
	Interval time.Duration
	// OnStateChange is called with the lock released.
	OnStateChange func(from, to State)
}

func DefaultConfig() Config {
	return Config{
		Threshold:    3,
		FailureRatio: 0.6,
		Cooldown:     30 * time.Second,
		Interval:     time.Minute,
	}
}

type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	requests    uint32
	failures    uint32
	windowStart time.Time
	openUntil   time.Time
	trial       bool
}

func New(cfg Config) *Breaker {
	d := DefaultConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = d.FailureRatio
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	return &Breaker{cfg: cfg, windowStart: time.Now()}
}

// Execute runs fn unless the breaker is open. A half-open breaker admits a
// single trial call; its outcome closes or reopens the breaker.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrOpenState
	}
	err := fn()
	b.record(err == nil)
	return err
}

// Allow reports whether a call would be admitted right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.current(time.Now()) {
	case StateOpen:
		return false
	case StateHalfOpen:
		return !b.trial
	}
	return true
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	now := time.Now()
	from := b.state
	st := b.current(now)
	ok := true
	switch st {
	case StateOpen:
		ok = false
	case StateHalfOpen:
		if b.trial {
			ok = false
		} else {
			b.trial = true
		}
	case StateClosed:
		if now.Sub(b.windowStart) > b.cfg.Interval {
			b.requests, b.failures = 0, 0
			b.windowStart = now
		}
	}
	b.mu.Unlock()
	b.notify(from, st)
	return ok
}

// current moves an expired open breaker to half-open. Callers hold mu.
func (b *Breaker) current(now time.Time) State {
	if b.state == StateOpen && !now.Before(b.openUntil) {
		b.state = StateHalfOpen
		b.trial = false
	}
	return b.state
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	now := time.Now()
	from := b.state
	switch b.state {
	case StateHalfOpen:
		b.trial = false
		if success {
			b.state = StateClosed
			b.requests, b.failures = 0, 0
			b.windowStart = now
		} else {
			b.trip(now)
		}
	case StateClosed:
		b.requests++
		if !success {
			b.failures++
		}
		if b.requests >= b.cfg.Threshold &&
			float64(b.failures)/float64(b.requests) >= b.cfg.FailureRatio {
			b.trip(now)
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openUntil = now.Add(b.cfg.Cooldown)
	b.requests, b.failures = 0, 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(time.Now())
}

// Counts returns the calls and failures in the current closed window.
func (b *Breaker) Counts() (requests, failures uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests, b.failures
}
