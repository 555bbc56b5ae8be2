package harvest

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/core"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
	// DefaultMaxBodyBytes caps how much of a page is read.
	DefaultMaxBodyBytes = 2 << 20
)

// ResponseError is a non-2xx response.
type ResponseError struct {
	URL  string
	Code int
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("GET %s: http %d", e.URL, e.Code)
}

// HTTPFetcher fetches a single page over HTTP, following redirects. Timeouts come from
// the caller's context.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

func NewHTTPFetcher(userAgent string, maxBytes int64) *HTTPFetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return &HTTPFetcher{
		client:    &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		userAgent: userAgent,
		maxBytes:  maxBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", &core.TransientError{Err: &ResponseError{URL: url, Code: resp.StatusCode}}
	}
	if resp.StatusCode/100 != 2 {
		return "", &ResponseError{URL: url, Code: resp.StatusCode}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	return string(b), nil
}
