// Package emit ships inspection results to an ingest endpoint in batches,
// spooling to disk when the endpoint is unreachable.
package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/gustycube/sslinspect/internal/circuitbreaker"
	"github.com/gustycube/sslinspect/internal/metrics"
	"github.com/gustycube/sslinspect/internal/result"
)

// Batch is the ingest payload.
type Batch struct {
	ProbeID   string          `json:"probe_id"`
	RunID     string          `json:"run_id"`
	Timestamp time.Time       `json:"timestamp"`
	Results   []result.Result `json:"results"`
}

// spooled batches keep the wire form so they can be resent unchanged.
type spooled struct {
	ProbeID   string            `json:"probe_id"`
	RunID     string            `json:"run_id"`
	Timestamp time.Time         `json:"timestamp"`
	Results   []json.RawMessage `json:"results"`
}

var bufPool bytebufferpool.Pool

type Options struct {
	Ingest     string
	ProbeID    string
	RunID      string
	BatchMax   int
	FlushEvery time.Duration
	SpoolDir   string
	// MaxElapsed caps delivery retries per batch.
	MaxElapsed time.Duration
	// Stdout receives batches when Ingest is empty.
	Stdout io.Writer
	// Breaker guards ingest posts. While it is open batches go straight
	// to the spool. Nil gets a default breaker.
	Breaker *circuitbreaker.Breaker
}

type Emitter struct {
	opts   Options
	client *http.Client
	log    *zap.SugaredLogger
	mu     sync.Mutex
	acc    []result.Result
}

func NewEmitter(opts Options, log *zap.SugaredLogger) *Emitter {
	if opts.BatchMax <= 0 {
		opts.BatchMax = 100
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 5 * time.Second
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.SpoolDir != "" {
		_ = os.MkdirAll(opts.SpoolDir, 0o755)
	}
	if opts.Breaker == nil {
		opts.Breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}
	return &Emitter{
		opts:   opts,
		client: &http.Client{Timeout: 20 * time.Second},
		log:    log,
	}
}

// Run accumulates results from in and flushes on size or interval. It
// returns when in is closed or ctx is done, flushing what it holds.
func (e *Emitter) Run(ctx context.Context, in <-chan result.Result) {
	t := time.NewTimer(e.opts.FlushEvery)
	defer t.Stop()
	for {
		select {
		case r, ok := <-in:
			if !ok {
				e.flush(ctx)
				return
			}
			if e.append(r) >= e.opts.BatchMax {
				e.flush(ctx)
				if !t.Stop() {
					select {
					case <-t.C:
					default:
					}
				}
				t.Reset(e.opts.FlushEvery)
			}
		case <-t.C:
			e.flush(ctx)
			t.Reset(e.opts.FlushEvery)
		case <-ctx.Done():
			e.flush(context.Background())
			return
		}
	}
}

func (e *Emitter) append(r result.Result) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acc = append(e.acc, r)
	return len(e.acc)
}

func (e *Emitter) flush(ctx context.Context) {
	e.mu.Lock()
	pending := e.acc
	e.acc = nil
	e.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	b := Batch{ProbeID: e.opts.ProbeID, RunID: e.opts.RunID, Timestamp: time.Now().UTC(), Results: pending}
	buf := bufPool.Get()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(b); err != nil {
		e.log.Errorw("encode batch", "err", err)
		return
	}

	if e.opts.Ingest == "" {
		_, _ = e.opts.Stdout.Write(buf.B)
		return
	}
	if err := e.deliver(ctx, buf.B); err != nil {
		e.log.Warnw("ingest failed, spooling", "err", err, "results", len(pending))
		e.spool(buf.B)
		metrics.EmitSpooled.Inc()
	}
}

// deliver posts body through the breaker.
func (e *Emitter) deliver(ctx context.Context, body []byte) error {
	return e.opts.Breaker.Execute(func() error { return e.post(ctx, body) })
}

func (e *Emitter) post(ctx context.Context, body []byte) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.Ingest, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("bad status: %d", resp.StatusCode)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = e.opts.MaxElapsed
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (e *Emitter) spool(body []byte) {
	if e.opts.SpoolDir == "" {
		e.log.Errorw("no spool dir, dropping batch")
		return
	}
	name := time.Now().UTC().Format("20060102T150405.000000000") + ".json"
	if err := os.WriteFile(filepath.Join(e.opts.SpoolDir, name), body, 0o644); err != nil {
		e.log.Errorw("spool write", "err", err)
	}
}

// Drain flushes pending results and retries every spooled batch, removing
// the ones that are delivered.
func (e *Emitter) Drain(ctx context.Context) {
	e.flush(ctx)
	if e.opts.SpoolDir == "" || e.opts.Ingest == "" {
		return
	}
	entries, _ := os.ReadDir(e.opts.SpoolDir)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		p := filepath.Join(e.opts.SpoolDir, ent.Name())
		body, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var b spooled
		if err := json.Unmarshal(body, &b); err != nil {
			e.log.Warnw("skipping unreadable spool file", "path", p, "err", err)
			continue
		}
		if err := e.deliver(ctx, body); err != nil {
			e.log.Warnw("spool resend failed", "path", p, "err", err)
			if errors.Is(err, circuitbreaker.ErrOpenState) {
				return
			}
			continue
		}
		_ = os.Remove(p)
	}
}

// Pending returns the number of results waiting for the next flush.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.acc)
}
