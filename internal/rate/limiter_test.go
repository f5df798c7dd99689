package rate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPerHost_Allow(t *testing.T) {
	limiter := New(10.0, 5) // 10 per second, burst of 5
	defer limiter.Close()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("host1") {
			t.Errorf("expected Allow to return true for burst request %d", i+1)
		}
	}

	if limiter.Allow("host1") {
		t.Error("expected Allow to return false after burst exhausted")
	}

	// Different host should have its own limit
	if !limiter.Allow("host2") {
		t.Error("expected Allow to return true for different host")
	}
}

func TestPerHost_Wait(t *testing.T) {
	limiter := New(100.0, 1)
	defer limiter.Close()

	start := time.Now()
	if err := limiter.Wait(context.Background(), "host1"); err != nil {
		t.Fatal(err)
	}
	if err := limiter.Wait(context.Background(), "host1"); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d < 5*time.Millisecond {
		t.Errorf("expected Wait to delay, got %v", d)
	}
}

func TestPerHost_WaitCanceled(t *testing.T) {
	limiter := New(0.1, 1)
	defer limiter.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if err := limiter.Wait(ctx, "slow"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := limiter.Wait(ctx, "slow"); !errors.Is(err, context.Canceled) {
		t.Error("expected Wait to fail once ctx is canceled")
	}
}

func TestPerHost_Disabled(t *testing.T) {
	limiter := New(0, 0)
	defer limiter.Close()

	for i := 0; i < 100; i++ {
		if !limiter.Allow("host") {
			t.Fatal("disabled limiter should always allow")
		}
	}
	if err := limiter.Wait(context.Background(), "host"); err != nil {
		t.Fatal(err)
	}
	if limiter.Len() != 0 {
		t.Errorf("disabled limiter should not track hosts, got %d", limiter.Len())
	}
}

func TestPerHost_Concurrent(t *testing.T) {
	limiter := New(1000.0, 10)
	defer limiter.Close()
	var wg sync.WaitGroup
	allowed := 0
	var mu sync.Mutex

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("concurrent-host") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed == 0 {
		t.Error("expected some requests to be allowed")
	}
	if allowed > 15 {
		t.Errorf("expected rate limiting to apply, but %d requests were allowed", allowed)
	}
}

func TestPerHost_Prune(t *testing.T) {
	limiter := New(10, 1)
	defer limiter.Close()

	for i := 0; i <= maxEntries; i++ {
		limiter.Allow(string(rune('a'+i%26)) + time.Duration(i).String())
	}
	limiter.prune(time.Now().Add(time.Hour))
	if limiter.Len() != 0 {
		t.Errorf("expected idle entries pruned, %d left", limiter.Len())
	}
}

func BenchmarkPerHost_Allow(b *testing.B) {
	limiter := New(1000000.0, 1000000)
	defer limiter.Close()

	b.Run("SingleHost", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			limiter.Allow("benchmark-host")
		}
	})

	b.Run("MultipleHosts", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			limiter.Allow(string(rune(i % 100)))
		}
	})
}
