// Package collector drives a browser session through map search results and turns the
// rendered result cards into deduplicated listing records.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/listing"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/redact"
)

// State is a collection run's lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateNavigating
	StateScanning
	StateScrolling
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNavigating:
		return "navigating"
	case StateScanning:
		return "scanning"
	case StateScrolling:
		return "scrolling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrEndOfList is returned by Browser.Scroll when the page shows its end-of-results marker.
var ErrEndOfList = errors.New("end of result list")

// NavigationFailure means the results page never became ready.
type NavigationFailure struct {
	URL      string
	Attempts int
	Err      error
}

func (e *NavigationFailure) Error() string {
	return fmt.Sprintf("navigate to %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *NavigationFailure) Unwrap() error { return e.Err }

// Browser is the page-automation capability the collector needs.
type Browser interface {
	// Navigate loads url.
	Navigate(ctx context.Context, url string) error
	// WaitReady blocks until the results container is present.
	WaitReady(ctx context.Context) error
	// Items returns every result card currently rendered, in page order.
	Items(ctx context.Context) ([]listing.RawItem, error)
	// Scroll advances the results list and reports whether it grew.
	Scroll(ctx context.Context) (bool, error)
}

// DetailFetcher reads fields from a listing's own place page.
type DetailFetcher interface {
	Details(ctx context.Context, placeURL string) (listing.Details, error)
}

type Options struct {
	// Limit stops the run after this many accepted records. <=0 means no limit.
	Limit int

	MaxNavAttempts int
	// MaxStallRetries is the number of consecutive scans without new cards that end the run.
	MaxStallRetries int
	// MaxStepAttempts bounds retries of a failing scan or scroll.
	MaxStepAttempts int

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// ScrollPause is waited after every scroll so new cards can render.
	ScrollPause time.Duration
	// StallWait is waited in addition when a scroll did not grow the list.
	StallWait time.Duration

	// Details, when set, fills missing website and phone from each listing's place page.
	Details DetailFetcher
	// Prior records are registered before the run so they are never emitted again.
	Prior []listing.Record
	// OnRecord is called for each accepted record, in order. An error fails the run.
	OnRecord func(listing.Record) error
	// OnState is called on every state transition.
	OnState func(State)

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxNavAttempts <= 0 {
		o.MaxNavAttempts = 3
	}
	if o.MaxStallRetries <= 0 {
		o.MaxStallRetries = 3
	}
	if o.MaxStepAttempts <= 0 {
		o.MaxStepAttempts = 3
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	if o.ScrollPause < 0 {
		o.ScrollPause = 0
	}
	if o.StallWait < 0 {
		o.StallWait = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Result is the outcome of one run. Records is populated even when the run failed.
type Result struct {
	Records []listing.Record
	State   State
	Err     error

	Scanned       int
	ParseFailures int
	Duplicates    int
	Scrolls       int
}

// Collector runs one collection at a time; its dedup index lives for one Run.
type Collector struct {
	browser Browser
	parser  *listing.Parser
	opts    Options
	log     *slog.Logger

	state State
	dedup *listing.Deduplicator
}

func New(b Browser, opts Options) *Collector {
	opts = opts.withDefaults()
	return &Collector{
		browser: b,
		parser:  listing.NewParser(),
		opts:    opts,
		log:     opts.Logger,
	}
}

// Run collects listings from target. On failure it returns the records accepted so far
// together with the reason.
func (c *Collector) Run(ctx context.Context, target string) (Result, error) {
	start := time.Now()
	c.dedup = listing.NewDeduplicator()
	c.dedup.Seed(c.opts.Prior)
	c.state = StateIdle

	res := Result{State: StateIdle}
	finish := func(state State, err error) (Result, error) {
		c.setState(state)
		res.State = state
		res.Err = err
		attrs := []any{
			slog.String("state", state.String()),
			slog.Int("records", len(res.Records)),
			slog.Int("scanned", res.Scanned),
			slog.Int("duplicates", res.Duplicates),
			slog.Int("parse_failures", res.ParseFailures),
			slog.Int("scrolls", res.Scrolls),
			slog.Duration("duration", time.Since(start).Round(time.Millisecond)),
		}
		if err != nil {
			c.log.Error("collection failed", append(attrs, slog.String("err", redact.Secrets(err.Error())))...)
			return res, err
		}
		c.log.Info("collection complete", attrs...)
		return res, nil
	}

	c.setState(StateNavigating)
	if err := c.navigate(ctx, target); err != nil {
		return finish(StateFailed, err)
	}

	cursor, stalls := 0, 0
	endOfList := false
	for {
		if err := ctx.Err(); err != nil {
			return finish(StateFailed, err)
		}

		c.setState(StateScanning)
		var items []listing.RawItem
		err := c.retry(ctx, "scan", func() error {
			var err error
			items, err = c.browser.Items(ctx)
			return err
		})
		if err != nil {
			return finish(StateFailed, fmt.Errorf("scan results: %w", err))
		}
		if len(items) < cursor {
			// The feed was re-rendered; dedup keeps the rescan from duplicating records.
			cursor = 0
		}
		fresh := items[cursor:]
		cursor = len(items)

		for _, item := range fresh {
			res.Scanned++
			accepted, err := c.accept(ctx, item, &res)
			if err != nil {
				return finish(StateFailed, err)
			}
			if accepted && c.opts.Limit > 0 && len(res.Records) >= c.opts.Limit {
				return finish(StateDone, nil)
			}
		}

		if endOfList {
			return finish(StateDone, nil)
		}
		if len(fresh) == 0 {
			stalls++
			c.log.Debug("no new results", slog.Int("stalls", stalls), slog.Int("max", c.opts.MaxStallRetries))
			if stalls >= c.opts.MaxStallRetries {
				return finish(StateDone, nil)
			}
		} else {
			stalls = 0
		}

		c.setState(StateScrolling)
		var grew bool
		err = c.retry(ctx, "scroll", func() error {
			var err error
			grew, err = c.browser.Scroll(ctx)
			if errors.Is(err, ErrEndOfList) {
				return backoff.Permanent(err)
			}
			return err
		})
		switch {
		case errors.Is(err, ErrEndOfList):
			// One more scan picks up cards rendered together with the marker.
			endOfList = true
			continue
		case err != nil:
			return finish(StateFailed, fmt.Errorf("scroll results: %w", err))
		}
		res.Scrolls++

		wait := c.opts.ScrollPause
		if !grew {
			wait += c.opts.StallWait
		}
		if err := sleep(ctx, wait); err != nil {
			return finish(StateFailed, err)
		}
	}
}

// accept parses one card and appends it when new. Only OnRecord errors are returned.
func (c *Collector) accept(ctx context.Context, item listing.RawItem, res *Result) (bool, error) {
	rec, err := c.parser.Parse(item)
	if err != nil {
		res.ParseFailures++
		c.log.Debug("skipping unparseable card", slog.String("err", err.Error()))
		return false, nil
	}
	if !c.dedup.IsNew(rec) {
		res.Duplicates++
		return false, nil
	}

	if c.opts.Details != nil && rec.PlaceURL != "" && (rec.Website == "" || rec.Phone == "") {
		c.fillDetails(ctx, &rec)
		if !c.dedup.IsNew(rec) {
			res.Duplicates++
			return false, nil
		}
	}

	c.dedup.Register(rec)
	res.Records = append(res.Records, rec)
	c.log.Debug("listing accepted", slog.String("name", rec.Name), slog.Int("total", len(res.Records)))
	if c.opts.OnRecord != nil {
		if err := c.opts.OnRecord(rec); err != nil {
			return true, fmt.Errorf("record sink: %w", err)
		}
	}
	return true, nil
}

func (c *Collector) fillDetails(ctx context.Context, rec *listing.Record) {
	d, err := c.opts.Details.Details(ctx, rec.PlaceURL)
	if err != nil {
		c.log.Warn("detail lookup failed", slog.String("name", rec.Name), slog.String("err", redact.Secrets(err.Error())))
		return
	}
	if rec.Website == "" {
		rec.Website = listing.NormalizeWebsite(d.Website)
	}
	if rec.Phone == "" {
		rec.Phone = listing.NormalizePhone(d.Phone)
	}
	if rec.Address == "" {
		rec.Address = d.Address
	}
}

func (c *Collector) navigate(ctx context.Context, target string) error {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		if err := c.browser.Navigate(ctx, target); err != nil {
			return err
		}
		return c.browser.WaitReady(ctx)
	}, c.newBackOff(ctx, c.opts.MaxNavAttempts), func(err error, next time.Duration) {
		c.log.Warn("navigation failed, retrying",
			slog.Int("attempt", attempts),
			slog.Duration("backoff", next),
			slog.String("err", redact.Secrets(err.Error())),
		)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &NavigationFailure{URL: target, Attempts: attempts, Err: err}
	}
	return nil
}

func (c *Collector) retry(ctx context.Context, step string, op func() error) error {
	return backoff.RetryNotify(op, c.newBackOff(ctx, c.opts.MaxStepAttempts), func(err error, next time.Duration) {
		c.log.Warn(step+" failed, retrying", slog.Duration("backoff", next), slog.String("err", redact.Secrets(err.Error())))
	})
}

func (c *Collector) newBackOff(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitial
	b.MaxInterval = c.opts.BackoffMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

func (c *Collector) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("collector state", slog.String("from", c.state.String()), slog.String("to", s.String()))
	c.state = s
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
