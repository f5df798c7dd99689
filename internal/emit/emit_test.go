package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gustycube/sslinspect/internal/circuitbreaker"
	"github.com/gustycube/sslinspect/internal/result"
)

func failures(n int) []result.Result {
	out := make([]result.Result, n)
	for i := range out {
		out[i] = result.Fail(result.KindConnectError, "h_443", "connection refused", 111)
	}
	return out
}

func TestEmitter_PostsBatches(t *testing.T) {
	var mu sync.Mutex
	var got []spooled
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var b spooled
		if err := json.Unmarshal(body, &b); err != nil {
			t.Errorf("bad body: %v", err)
		}
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	}))
	defer srv.Close()

	e := NewEmitter(Options{Ingest: srv.URL, ProbeID: "p1", RunID: "r1", BatchMax: 2, FlushEvery: time.Hour}, zap.NewNop().Sugar())
	in := make(chan result.Result)
	done := make(chan struct{})
	go func() { e.Run(context.Background(), in); close(done) }()

	for _, r := range failures(5) {
		in <- r
	}
	close(in)
	<-done

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, b := range got {
		if b.ProbeID != "p1" || b.RunID != "r1" {
			t.Errorf("unexpected batch ids: %+v", b)
		}
		total += len(b.Results)
	}
	if total != 5 {
		t.Errorf("expected 5 results delivered, got %d", total)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 batches (2+2+1), got %d", len(got))
	}
}

func TestEmitter_SpoolAndDrain(t *testing.T) {
	var healthy atomic.Bool
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		delivered.Add(1)
	}))
	defer srv.Close()

	dir := t.TempDir()
	e := NewEmitter(Options{Ingest: srv.URL, SpoolDir: dir, BatchMax: 10, MaxElapsed: 300 * time.Millisecond}, zap.NewNop().Sugar())
	for _, r := range failures(3) {
		e.append(r)
	}
	e.flush(context.Background())

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected 1 spooled file, got %d", len(entries))
	}

	healthy.Store(true)
	e.Drain(context.Background())

	entries, _ = os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected spool drained, %d files left", len(entries))
	}
	if delivered.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", delivered.Load())
	}
}

func TestEmitter_Stdout(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(Options{Stdout: &buf}, zap.NewNop().Sugar())
	e.append(result.NotFound("x_443"))
	if e.Pending() != 1 {
		t.Fatalf("Pending() = %d", e.Pending())
	}
	e.Drain(context.Background())

	var b spooled
	if err := json.Unmarshal(buf.Bytes(), &b); err != nil {
		t.Fatal(err)
	}
	if len(b.Results) != 1 || e.Pending() != 0 {
		t.Errorf("unexpected stdout batch: %s", buf.String())
	}
}

func TestEmitter_OpenBreakerSpoolsWithoutPosting(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dir := t.TempDir()
	br := circuitbreaker.New(circuitbreaker.Config{Threshold: 1, FailureRatio: 1, Cooldown: time.Hour})
	e := NewEmitter(Options{Ingest: srv.URL, SpoolDir: dir, MaxElapsed: 50 * time.Millisecond, Breaker: br}, zap.NewNop().Sugar())

	e.append(failures(1)[0])
	e.flush(context.Background())
	if br.State() != circuitbreaker.StateOpen {
		t.Fatalf("breaker should be open, got %v", br.State())
	}
	sent := posts.Load()

	e.append(failures(1)[0])
	e.flush(context.Background())
	if posts.Load() != sent {
		t.Errorf("no post expected while the breaker is open")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("expected 2 spooled files, got %d", len(entries))
	}

	e.Drain(context.Background())
	entries, _ = os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("drain must keep files while the breaker is open, %d left", len(entries))
	}
}
