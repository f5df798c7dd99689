// Package ui renders run progress for interactive terminals and keeps the
// per-run tallies reported in the final summary.
package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/gustycube/sslinspect/internal/result"
)

// ProgressBar represents a simple progress bar
type ProgressBar struct {
	mu          sync.RWMutex
	total       int64
	current     int64
	width       int
	startTime   time.Time
	lastUpdate  time.Time
	description string
	finished    bool
}

// NewProgressBar creates a new progress bar
func NewProgressBar(total int64, description string) *ProgressBar {
	now := time.Now()
	return &ProgressBar{
		total:       total,
		width:       40,
		startTime:   now,
		lastUpdate:  now,
		description: description,
	}
}

// Add increments the progress, capped at total.
func (pb *ProgressBar) Add(n int64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.current += n
	if pb.current > pb.total {
		pb.current = pb.total
	}
	pb.lastUpdate = time.Now()
}

func (pb *ProgressBar) Finish() {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.current = pb.total
	pb.finished = true
	pb.lastUpdate = time.Now()
}

func (pb *ProgressBar) String() string {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	var percent float64
	if pb.total > 0 {
		percent = float64(pb.current) / float64(pb.total) * 100
	}
	filled := int(float64(pb.width) * percent / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pb.width-filled)

	out := fmt.Sprintf("%s [%s] %d/%d (%.1f%%)", pb.description, bar, pb.current, pb.total, percent)

	elapsed := pb.lastUpdate.Sub(pb.startTime).Seconds()
	if pb.current > 0 && elapsed > 0 {
		rate := float64(pb.current) / elapsed
		out += fmt.Sprintf(" %.1f/s", rate)
		if !pb.finished {
			eta := time.Duration(float64(pb.total-pb.current)/rate) * time.Second
			out += fmt.Sprintf(" ETA: %v", eta.Round(time.Second))
		}
	}
	if pb.finished {
		out += fmt.Sprintf(" [DONE in %v]", pb.lastUpdate.Sub(pb.startTime).Round(time.Millisecond))
	}
	return out
}

// Stats tallies inspection outcomes for one run.
type Stats struct {
	mu        sync.RWMutex
	processed int64
	ok        int64
	byKind    map[result.Kind]int64
	startTime time.Time
	bar       *ProgressBar
}

func NewStats() *Stats {
	return &Stats{byKind: make(map[result.Kind]int64), startTime: time.Now()}
}

// SetTotal enables the progress bar when the number of targets is known.
func (s *Stats) SetTotal(total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if total > 0 {
		s.bar = NewProgressBar(total, "Inspecting")
	}
}

// Record counts one result.
func (s *Stats) Record(res result.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed++
	s.byKind[res.Kind]++
	if res.Status() {
		s.ok++
	}
	if s.bar != nil {
		s.bar.Add(1)
	}
}

// Counts returns processed, successful and failed totals.
func (s *Stats) Counts() (processed, ok, failed int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processed, s.ok, s.processed - s.ok
}

// Kind returns how many results of kind k were recorded.
func (s *Stats) Kind(k result.Kind) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byKind[k]
}

func (s *Stats) Line() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bar != nil {
		return s.bar.String()
	}
	rate := float64(s.processed) / time.Since(s.startTime).Seconds()
	return fmt.Sprintf("Inspected %d (%d ok, %d failed) %.1f/s", s.processed, s.ok, s.processed-s.ok, rate)
}

func (s *Stats) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar != nil {
		s.bar.Finish()
	}
}

// Log writes the run summary.
func (s *Stats) Log(log *zap.SugaredLogger) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elapsed := time.Since(s.startTime)
	kv := []interface{}{
		"inspected", s.processed,
		"ok", s.ok,
		"failed", s.processed - s.ok,
		"elapsed", elapsed.Round(time.Millisecond).String(),
	}
	for k, n := range s.byKind {
		if k != result.KindCertificate {
			kv = append(kv, k.String(), n)
		}
	}
	log.Infow("run complete", kv...)
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Render redraws the progress line on w every interval until ctx is done,
// then prints the final line.
func (s *Stats) Render(ctx context.Context, w io.Writer, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(w, "\r\033[K%s\n", s.Line())
			return
		case <-t.C:
			fmt.Fprintf(w, "\r\033[K%s", s.Line())
		}
	}
}
