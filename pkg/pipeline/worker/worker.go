// Package worker runs one function over a batch of inputs with a fixed number of
// goroutines, a shared rate limit and retries of transient failures.
package worker

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/core"
)

type Options struct {
	Workers    int
	MaxRetries int

	// RateLimitRPS is a global limit across all workers. Set to <=0 to disable.
	RateLimitRPS float64

	// BackoffInitial is the first sleep before retrying a transient failure.
	BackoffInitial time.Duration
	// BackoffMax caps the exponential backoff.
	BackoffMax time.Duration
}

// Result holds the output for one input item.
type Result[In any, Out any] struct {
	Input  In
	Output Out
	Err    error
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	return o
}

// ProcessAll runs fn over items and returns one result per item, in input order.
func ProcessAll[In any, Out any](
	ctx context.Context,
	items []In,
	fn func(context.Context, In) (Out, error),
	opts Options,
) []Result[In, Out] {
	return ProcessAllWithCallback(ctx, items, fn, nil, opts)
}

// ProcessAllWithCallback runs fn over items and calls onDone with the input index as
// each item finishes. onDone is called from a single goroutine, in completion order.
//
// The run itself never fails. Items still queued when ctx ends are reported last,
// carrying ctx's error.
func ProcessAllWithCallback[In any, Out any](
	ctx context.Context,
	items []In,
	fn func(context.Context, In) (Out, error),
	onDone func(int, Result[In, Out]),
	opts Options,
) []Result[In, Out] {
	opts = opts.withDefaults()

	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}

	type completion struct {
		idx int
		res Result[In, Out]
	}
	jobs := make(chan int)
	done := make(chan completion, opts.Workers)

	var wg sync.WaitGroup
	for range min(opts.Workers, len(items)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				out, err := attempt(ctx, items[idx], fn, limiter, opts)
				done <- completion{idx: idx, res: Result[In, Out]{Input: items[idx], Output: out, Err: err}}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range items {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	out := make([]Result[In, Out], len(items))
	finished := make([]bool, len(items))
	for c := range done {
		out[c.idx] = c.res
		finished[c.idx] = true
		if onDone != nil {
			onDone(c.idx, c.res)
		}
	}

	// Dispatch only stops early once ctx has ended.
	for i := range out {
		if finished[i] {
			continue
		}
		out[i] = Result[In, Out]{Input: items[i], Err: ctx.Err()}
		if onDone != nil {
			onDone(i, out[i])
		}
	}
	return out
}

func attempt[In any, Out any](
	ctx context.Context,
	item In,
	fn func(context.Context, In) (Out, error),
	limiter *rate.Limiter,
	opts Options,
) (Out, error) {
	var out Out
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		var err error
		out, err = fn(ctx, item)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case !Transient(err):
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BackoffInitial
	b.MaxInterval = opts.BackoffMax
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(opts.MaxRetries)), ctx))
	return out, err
}

// Transient reports whether err is worth another attempt.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var te *core.TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
