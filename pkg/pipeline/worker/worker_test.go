package worker_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/worker"
)

func fastBackoff(o worker.Options) worker.Options {
	o.BackoffInitial = time.Millisecond
	o.BackoffMax = 2 * time.Millisecond
	return o
}

func TestProcessAll_RetriesTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fn := func(_ context.Context, _ string) (string, error) {
		if calls.Add(1) <= 2 {
			return "", &core.TransientError{Err: errors.New("503 from origin")}
		}
		return "ok", nil
	}

	out := worker.ProcessAll(context.Background(), []string{"https://bakery.example"}, fn, fastBackoff(worker.Options{
		Workers:    1,
		MaxRetries: 3,
	}))
	if len(out) != 1 || out[0].Err != nil || out[0].Output != "ok" {
		t.Fatalf("unexpected output: %#v", out)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestProcessAll_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fn := func(_ context.Context, _ string) (string, error) {
		calls.Add(1)
		return "", &core.TransientError{Err: errors.New("429 slow down")}
	}

	out := worker.ProcessAll(context.Background(), []string{"https://busy.example"}, fn, fastBackoff(worker.Options{
		Workers:    1,
		MaxRetries: 2,
	}))
	if out[0].Err == nil || out[0].Err.Error() != "429 slow down" {
		t.Fatalf("unexpected output: %#v", out[0])
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls (1 initial + 2 retries), got %d", got)
	}
}

func TestProcessAll_DoesNotRetryPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fn := func(_ context.Context, _ string) (string, error) {
		calls.Add(1)
		return "", errors.New("404 not found")
	}

	out := worker.ProcessAll(context.Background(), []string{"https://gone.example"}, fn, fastBackoff(worker.Options{
		Workers:    1,
		MaxRetries: 10,
	}))
	if len(out) != 1 || out[0].Err == nil || out[0].Err.Error() != "404 not found" {
		t.Fatalf("unexpected output: %#v", out)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestProcessAll_ItemErrorsDoNotStopRun(t *testing.T) {
	t.Parallel()

	fn := func(_ context.Context, u string) (string, error) {
		if u == "https://bad.example" {
			return "", errors.New("boom")
		}
		return "ok", nil
	}

	out := worker.ProcessAll(context.Background(), []string{"https://bad.example", "https://good.example"}, fn, worker.Options{
		Workers: 1,
	})
	if len(out) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(out))
	}
	if out[0].Err == nil || out[0].Err.Error() != "boom" {
		t.Fatalf("unexpected out[0]: %#v", out[0])
	}
	if out[1].Err != nil || out[1].Output != "ok" {
		t.Fatalf("unexpected out[1]: %#v", out[1])
	}
}

func TestProcessAll_DeadlineMarksUnfinished(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	fn := func(ctx context.Context, u string) (string, error) {
		if u == "https://fast.example" {
			return "ok", nil
		}
		<-ctx.Done()
		return "", ctx.Err()
	}

	items := []string{"https://fast.example", "https://hang.example", "https://queued.example"}
	out := worker.ProcessAll(ctx, items, fn, worker.Options{Workers: 2, MaxRetries: 3})
	if len(out) != len(items) {
		t.Fatalf("expected %d outputs, got %d", len(items), len(out))
	}
	for i, res := range out {
		if res.Input != items[i] {
			t.Fatalf("out[%d].Input=%q want %q", i, res.Input, items[i])
		}
	}
	if out[0].Err != nil || out[0].Output != "ok" {
		t.Fatalf("unexpected out[0]: %#v", out[0])
	}
	for _, res := range out[1:] {
		if !errors.Is(res.Err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline error for %q, got %v", res.Input, res.Err)
		}
	}
}

func TestProcessAll_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	fn := func(_ context.Context, u string) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return u, nil
	}

	items := make([]string, 20)
	for i := range items {
		items[i] = "https://site.example/" + string(rune('a'+i))
	}
	out := worker.ProcessAll(context.Background(), items, fn, worker.Options{Workers: 3})
	if len(out) != len(items) {
		t.Fatalf("expected %d outputs, got %d", len(items), len(out))
	}
	if got := peak.Load(); got > 3 {
		t.Fatalf("peak concurrency %d exceeds 3 workers", got)
	}
}

func TestProcessAll_RateLimit(t *testing.T) {
	t.Parallel()

	fn := func(_ context.Context, u string) (string, error) { return u, nil }
	start := time.Now()
	worker.ProcessAll(context.Background(), []string{"a", "b", "c"}, fn, worker.Options{Workers: 3, RateLimitRPS: 20})
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("3 items at 20 rps finished in %s", elapsed)
	}
}

func TestProcessAll_Empty(t *testing.T) {
	t.Parallel()

	out := worker.ProcessAll(context.Background(), nil, func(context.Context, string) (string, error) {
		t.Fatal("fn called for empty input")
		return "", nil
	}, worker.Options{})
	if len(out) != 0 {
		t.Fatalf("unexpected output: %#v", out)
	}
}

func TestProcessAllWithCallback_CompletesInCompletionOrder(t *testing.T) {
	t.Parallel()

	releaseSlow := make(chan struct{})
	startedSlow := make(chan struct{})
	var firstCallbackInput atomic.Value
	firstCallbackInput.Store("")

	fn := func(_ context.Context, u string) (string, error) {
		if u == "https://slow.example" {
			close(startedSlow)
			<-releaseSlow
		}
		return u, nil
	}

	var mu sync.Mutex
	var seen []string
	var indexes []int
	finished := make(chan []worker.Result[string, string], 1)
	go func() {
		finished <- worker.ProcessAllWithCallback(
			context.Background(),
			[]string{"https://slow.example", "https://fast.example"},
			fn,
			func(idx int, res worker.Result[string, string]) {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, res.Input)
				indexes = append(indexes, idx)
				if len(seen) == 1 {
					firstCallbackInput.Store(res.Input)
				}
			},
			worker.Options{Workers: 2},
		)
	}()

	select {
	case <-startedSlow:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for slow task to start")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if firstCallbackInput.Load().(string) == "https://fast.example" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := firstCallbackInput.Load().(string); got != "https://fast.example" {
		t.Fatalf("expected fast callback first, got %q", got)
	}

	close(releaseSlow)
	var out []worker.Result[string, string]
	select {
	case out = <-finished:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
	if out[0].Input != "https://slow.example" || out[1].Input != "https://fast.example" {
		t.Fatalf("returned slice not in input order: %#v", out)
	}

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(seen, []string{"https://fast.example", "https://slow.example"}) {
		t.Fatalf("unexpected callback order: %v", seen)
	}
	if !slices.Equal(indexes, []int{1, 0}) {
		t.Fatalf("unexpected callback indexes: %v", indexes)
	}
}

func TestProcessAllWithCallback_ReportsUnstartedItems(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var reported atomic.Int32
	out := worker.ProcessAllWithCallback(ctx, []string{"first", "second", "third"},
		func(ctx context.Context, u string) (string, error) {
			cancel()
			<-ctx.Done()
			return "", ctx.Err()
		},
		func(int, worker.Result[string, string]) { reported.Add(1) },
		worker.Options{Workers: 1},
	)
	if got := reported.Load(); got != 3 {
		t.Fatalf("callback ran %d times, want 3", got)
	}
	for _, res := range out {
		if !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("%s: err=%v want canceled", res.Input, res.Err)
		}
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "marked", err: &core.TransientError{Err: errors.New("503")}, want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "plain", err: errors.New("404"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := worker.Transient(tt.err); got != tt.want {
				t.Fatalf("Transient(%v)=%v want %v", tt.err, got, tt.want)
			}
		})
	}
}
