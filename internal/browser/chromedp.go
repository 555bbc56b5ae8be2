// Package browser is the headless Chrome session behind the collector.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/chromedp/chromedp"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/collector"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/listing"
)

const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// ErrNoFeed means the page has no results container.
var ErrNoFeed = errors.New("results feed not found")

type Options struct {
	Headless  bool
	UserAgent string
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string

	// NavTimeout bounds one navigation or readiness wait.
	NavTimeout time.Duration
	// StepTimeout bounds one scan or scroll.
	StepTimeout time.Duration
	// DetailTimeout bounds one place-page lookup.
	DetailTimeout time.Duration
	// Settle is waited after a navigation or scroll before the page is read.
	Settle time.Duration
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.UserAgent) == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.NavTimeout <= 0 {
		o.NavTimeout = 60 * time.Second
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 15 * time.Second
	}
	if o.DetailTimeout <= 0 {
		o.DetailTimeout = 25 * time.Second
	}
	if o.Settle < 0 {
		o.Settle = 0
	}
	return o
}

// Session owns one Chrome process and one results tab. It implements collector.Browser
// and collector.DetailFetcher. Detail lookups open their own tabs.
type Session struct {
	opts Options

	allocCancel context.CancelFunc
	tab         context.Context
	tabCancel   context.CancelFunc
	stop        func() bool
	closeOnce   sync.Once
}

var (
	_ collector.Browser       = (*Session)(nil)
	_ collector.DetailFetcher = (*Session)(nil)
)

// NewSession starts Chrome. Canceling ctx shuts the browser down; Close must still be called.
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	opts = opts.withDefaults()

	flags := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1280, 900),
		chromedp.UserAgent(opts.UserAgent),
	)
	if opts.ExecPath != "" {
		flags = append(flags, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), flags...)
	tab, tabCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(tab); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	s := &Session{opts: opts, allocCancel: allocCancel, tab: tab, tabCancel: tabCancel}
	s.stop = context.AfterFunc(ctx, s.Close)
	return s, nil
}

// Close shuts down the tab and the browser process. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.tabCancel()
		s.allocCancel()
	})
}

// run executes actions on tab, bounded by timeout and by the caller's ctx.
func (s *Session) run(ctx context.Context, tab context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Session) Navigate(ctx context.Context, target string) error {
	err := s.run(ctx, s.tab, s.opts.NavTimeout,
		chromedp.Navigate(target),
		chromedp.Sleep(s.opts.Settle),
		dismissConsent(),
	)
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

func (s *Session) WaitReady(ctx context.Context) error {
	if err := s.run(ctx, s.tab, s.opts.NavTimeout, chromedp.WaitVisible(listing.SelFeed, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for results: %w", err)
	}
	return nil
}

func (s *Session) Items(ctx context.Context) ([]listing.RawItem, error) {
	var payload string
	if err := s.run(ctx, s.tab, s.opts.StepTimeout, chromedp.Evaluate(itemsScript, &payload)); err != nil {
		return nil, fmt.Errorf("read result cards: %w", err)
	}
	return decodeItems(payload)
}

// Scroll scrolls the feed by one viewport and reports whether its content grew. It
// returns collector.ErrEndOfList once the end-of-list marker is visible.
func (s *Session) Scroll(ctx context.Context) (bool, error) {
	var before, after string
	err := s.run(ctx, s.tab, s.opts.StepTimeout+s.opts.Settle,
		chromedp.Evaluate(scrollScript, &before),
		chromedp.Sleep(s.opts.Settle),
		chromedp.Evaluate(measureScript, &after),
	)
	if err != nil {
		return false, fmt.Errorf("scroll results: %w", err)
	}
	return scrollOutcome(before, after)
}

// Details opens placeURL in a new tab and reads its website, phone and address.
func (s *Session) Details(ctx context.Context, placeURL string) (listing.Details, error) {
	if strings.TrimSpace(placeURL) == "" {
		return listing.Details{}, nil
	}
	tab, cancel := chromedp.NewContext(s.tab)
	defer cancel()

	var payload string
	err := s.run(ctx, tab, s.opts.DetailTimeout,
		chromedp.Navigate(placeURL),
		chromedp.Sleep(s.opts.Settle),
		dismissConsent(),
		chromedp.WaitVisible(`h1.DUwDvf`, chromedp.ByQuery),
		chromedp.Evaluate(contactScript, &payload),
	)
	if err != nil {
		return listing.Details{}, fmt.Errorf("place details: %w", err)
	}
	return decodeDetails(payload)
}

func dismissConsent() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return chromedp.Evaluate(consentScript, nil).Do(ctx)
	})
}

// SearchURL builds the Maps search URL for a free-text query.
func SearchURL(query string) string {
	return "https://www.google.com/maps/search/" + url.PathEscape(strings.TrimSpace(query))
}

func decodeItems(payload string) ([]listing.RawItem, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, nil
	}
	var items []listing.RawItem
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, fmt.Errorf("decode result cards: %w", err)
	}
	return items, nil
}

type feedState struct {
	Found  bool `json:"found"`
	Height int  `json:"height"`
	End    bool `json:"end"`
}

func scrollOutcome(beforePayload, afterPayload string) (bool, error) {
	var before, after feedState
	if err := json.Unmarshal([]byte(beforePayload), &before); err != nil {
		return false, fmt.Errorf("decode scroll state: %w", err)
	}
	if err := json.Unmarshal([]byte(afterPayload), &after); err != nil {
		return false, fmt.Errorf("decode scroll state: %w", err)
	}
	if !before.Found || !after.Found {
		return false, ErrNoFeed
	}
	if after.End {
		return false, collector.ErrEndOfList
	}
	return after.Height > before.Height, nil
}

func decodeDetails(payload string) (listing.Details, error) {
	if strings.TrimSpace(payload) == "" {
		return listing.Details{}, nil
	}
	var d listing.Details
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return listing.Details{}, fmt.Errorf("decode place details: %w", err)
	}
	d.Website = listing.NormalizeWebsite(d.Website)
	d.Phone = listing.NormalizePhone(d.Phone)
	d.Address = cleanText(d.Address)
	return d, nil
}

// cleanText drops icon glyphs and collapses whitespace.
func cleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.In(r, unicode.Co) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

const consentScript = `(function () {
  const selectors = [
    'button[aria-label="Accept all"]',
    'button[aria-label="I agree"]',
    'button[aria-label="Alles akzeptieren"]',
    'form[action*="consent"] button'
  ];
  for (const sel of selectors) {
    const btn = document.querySelector(sel);
    if (btn) {
      btn.click();
      return true;
    }
  }
  return false;
})();`

const itemsScript = `(function () {
  const feed = document.querySelector('div[role="feed"]') || document;
  return JSON.stringify(Array.from(feed.querySelectorAll('div.Nv2PK')).map(card => {
    const link = card.querySelector('a.hfpxzc');
    return { html: card.outerHTML, place_url: link ? link.href : '' };
  }));
})();`

const scrollScript = `(function () {
  const feed = document.querySelector('div[role="feed"]');
  if (!feed) {
    return JSON.stringify({ found: false });
  }
  const height = feed.scrollHeight;
  feed.scrollBy(0, feed.offsetHeight);
  return JSON.stringify({ found: true, height: height });
})();`

const measureScript = `(function () {
  const feed = document.querySelector('div[role="feed"]');
  return JSON.stringify({
    found: !!feed,
    height: feed ? feed.scrollHeight : 0,
    end: !!document.querySelector('span.HlvSq')
  });
})();`

const contactScript = `(function () {
  const first = (selectors, read) => {
    for (const sel of selectors) {
      const node = document.querySelector(sel);
      if (node) {
        const v = read(node);
        if (v) return v;
      }
    }
    return '';
  };
  const website = first([
    'a[data-item-id="authority"]',
    'a[data-item-id="website"]',
    'a[aria-label="Website"]',
    'a[href^="https://www.google.com/url?"][aria-label*="Website"]'
  ], n => n.href || n.getAttribute('href') || '');
  const phone = first([
    'button[data-item-id^="phone:tel"]',
    'a[href^="tel:"]',
    'button[aria-label^="Phone:"]'
  ], n => (n.getAttribute('data-item-id') || '').replace(/^phone:tel:/, 'tel:') || n.href || n.textContent || '');
  const address = first([
    'button[data-item-id="address"]'
  ], n => n.textContent || '');
  return JSON.stringify({ website: website, phone: phone, address: address });
})();`
