// Package harvest fetches listing websites with bounded concurrency and extracts the
// email addresses found on each page.
package harvest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/emails"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/listing"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/redact"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/worker"
)

// Status is the outcome of harvesting one website.
type Status string

const (
	StatusSuccess Status = "success"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Enrichment is the harvest result for one distinct website URL.
type Enrichment struct {
	URL    string
	Emails []string
	Status Status
	Err    string
}

// Fetcher retrieves the body of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// FetchFunc adapts a function to the Fetcher interface.
type FetchFunc func(ctx context.Context, url string) (string, error)

func (f FetchFunc) Fetch(ctx context.Context, url string) (string, error) {
	return f(ctx, url)
}

// Fallback recovers addresses from page text when the pattern finds none.
type Fallback interface {
	Resolve(ctx context.Context, pageText string) ([]string, error)
}

// Verifier filters addresses that cannot receive mail.
type Verifier interface {
	Filter(ctx context.Context, addrs []string) []string
}

type Options struct {
	// Concurrency bounds the number of in-flight fetches.
	Concurrency    int
	RequestTimeout time.Duration
	// GlobalTimeout bounds the whole phase; URLs unfinished at the deadline are timeouts.
	GlobalTimeout time.Duration
	MaxRetries    int
	RateLimitRPS  float64

	Fallback        Fallback
	FallbackTimeout time.Duration
	Verifier        Verifier

	// Prior holds emails already known per URL; those URLs are not fetched again.
	Prior map[string][]string

	// OnResult is called once per URL as soon as its result is final. Calls never overlap.
	OnResult func(Enrichment)

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.FallbackTimeout <= 0 {
		o.FallbackTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// fallbackSlots bounds concurrent fallback calls.
const fallbackSlots = 4

type Harvester struct {
	fetcher     Fetcher
	opts        Options
	log         *slog.Logger
	fallbackSem *semaphore.Weighted
}

func New(f Fetcher, opts Options) *Harvester {
	opts = opts.withDefaults()
	return &Harvester{
		fetcher:     f,
		opts:        opts,
		log:         opts.Logger,
		fallbackSem: semaphore.NewWeighted(int64(min(opts.Concurrency, fallbackSlots))),
	}
}

// Harvest processes each distinct URL once and returns one Enrichment per URL. It never
// fails as a whole: every URL ends with a status.
func (h *Harvester) Harvest(ctx context.Context, urls []string) map[string]Enrichment {
	start := time.Now()
	results := make(map[string]Enrichment, len(urls))

	var pending []string
	reused := 0
	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		if _, dup := results[u]; dup {
			continue
		}
		if known, ok := h.opts.Prior[u]; ok {
			results[u] = Enrichment{URL: u, Emails: known, Status: StatusSuccess}
			h.notify(results[u])
			reused++
			continue
		}
		if !Fetchable(u) {
			results[u] = Enrichment{URL: u, Status: StatusSkipped, Err: "not an absolute http(s) url"}
			h.notify(results[u])
			continue
		}
		results[u] = Enrichment{URL: u}
		pending = append(pending, u)
	}
	if len(pending) == 0 {
		return results
	}

	runCtx := ctx
	if h.opts.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, h.opts.GlobalTimeout)
		defer cancel()
	}

	h.log.Info("harvest start",
		slog.Int("urls", len(pending)),
		slog.Int("reused", reused),
		slog.Int("skipped", len(results)-len(pending)-reused),
		slog.Int("concurrency", h.opts.Concurrency),
		slog.Duration("request_timeout", h.opts.RequestTimeout),
		slog.Duration("global_timeout", h.opts.GlobalTimeout),
	)

	counts := map[Status]int{}
	worker.ProcessAllWithCallback(runCtx, pending, h.harvestOne, func(_ int, res worker.Result[string, []string]) {
		e := Enrichment{URL: res.Input, Status: StatusSuccess, Emails: res.Output}
		if res.Err != nil {
			e = Enrichment{URL: res.Input, Status: classify(res.Err), Err: redact.Secrets(res.Err.Error())}
			h.log.Debug("harvest url failed", slog.String("url", e.URL), slog.String("status", string(e.Status)), slog.String("err", e.Err))
		}
		results[e.URL] = e
		counts[e.Status]++
		h.notify(e)
	}, worker.Options{
		Workers:      h.opts.Concurrency,
		MaxRetries:   h.opts.MaxRetries,
		RateLimitRPS: h.opts.RateLimitRPS,
	})

	h.log.Info("harvest complete",
		slog.Int("success", counts[StatusSuccess]),
		slog.Int("timeout", counts[StatusTimeout]),
		slog.Int("error", counts[StatusError]),
		slog.Duration("duration", time.Since(start).Round(time.Millisecond)),
	)
	return results
}

// harvestOne fetches u and returns its final address list. Only fetch failures are
// errors; fallback and verifier problems leave the pattern result in place.
func (h *Harvester) harvestOne(ctx context.Context, u string) ([]string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, h.opts.RequestTimeout)
	body, err := h.fetcher.Fetch(fetchCtx, u)
	cancel()
	if err != nil {
		return nil, err
	}

	found := emails.ExtractHTML(body)
	if len(found) == 0 && h.opts.Fallback != nil {
		found = h.resolveFallback(ctx, u, emails.VisibleText(body))
	}
	if len(found) > 0 && h.opts.Verifier != nil {
		kept := h.opts.Verifier.Filter(ctx, found)
		if len(kept) != len(found) {
			h.log.Debug("dropped addresses without mail exchanger", slog.String("url", u), slog.Int("dropped", len(found)-len(kept)))
		}
		found = kept
	}
	return found, nil
}

// resolveFallback asks the fallback for addresses in text. At most fallbackSlots calls
// run at once across the harvest.
func (h *Harvester) resolveFallback(ctx context.Context, u, text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := h.fallbackSem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer h.fallbackSem.Release(1)

	var found []string
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, h.opts.FallbackTimeout)
		defer cancel()
		var err error
		found, err = h.opts.Fallback.Resolve(callCtx, text)
		if err != nil && (ctx.Err() != nil || !worker.Transient(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(h.opts.MaxRetries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		h.log.Warn("email fallback failed", slog.String("url", u), slog.String("err", redact.Secrets(err.Error())))
		return nil
	}
	if len(found) > 0 {
		h.log.Debug("email fallback recovered addresses", slog.String("url", u), slog.Int("emails", len(found)))
	}
	return found
}

func (h *Harvester) notify(e Enrichment) {
	if h.opts.OnResult != nil {
		h.opts.OnResult(e)
	}
}

func classify(err error) Status {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return StatusTimeout
	}
	return StatusError
}

// Fetchable reports whether u is an absolute http(s) URL with a host.
func Fetchable(u string) bool {
	if strings.ContainsAny(u, " \t\n") {
		return false
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

// TargetURL normalizes a listing's website into the URL that is fetched. It returns ""
// when the listing has no website.
func TargetURL(website string) string {
	w := listing.NormalizeWebsite(website)
	if w == "" {
		return ""
	}
	if !strings.Contains(w, "://") {
		w = "https://" + strings.TrimLeft(w, "/")
	}
	return w
}

// Targets returns the distinct website URLs of records in first-seen order.
func Targets(records []listing.Record) []string {
	seen := make(map[string]struct{}, len(records))
	var out []string
	for _, r := range records {
		u := TargetURL(r.Website)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Merge attaches each URL's result to every record with that website. Output order and
// length match records; records without a website or without a successful fetch carry
// no emails.
func Merge(records []listing.Record, results map[string]Enrichment) []listing.Enriched {
	out := make([]listing.Enriched, len(records))
	for i, r := range records {
		row := listing.Enriched{Record: r, EmailStatus: string(StatusSkipped)}
		if u := TargetURL(r.Website); u != "" {
			if e, ok := results[u]; ok {
				row.EmailStatus = string(e.Status)
				if e.Status == StatusSuccess {
					row.Emails = append([]string(nil), e.Emails...)
				}
			}
		}
		out[i] = row
	}
	return out
}
