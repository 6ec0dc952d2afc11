package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"booksource/internal/metrics"
)

// StatusError reports a non-2xx, non-redirect response. Status failures are
// never retried; the server answered, it just said no.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

// Options controls Client retry and pacing behavior.
type Options struct {
	// MaxAttempts is the total number of tries per URL, first attempt
	// included. Values below 1 default to 3.
	MaxAttempts int

	// BaseBackoff scales linearly with the attempt number: the wait after
	// attempt n is BaseBackoff * n. Values <= 0 default to 500ms.
	BaseBackoff time.Duration

	// MaxRedirects bounds manual 301/302 hops per fetch. Values below 1
	// default to 5.
	MaxRedirects int

	// Headers are sent on every request, typically a source's pinned
	// User-Agent or Cookie.
	Headers map[string]string

	// Limiter, when set, paces every attempt including retries.
	Limiter *rate.Limiter

	// Job names the run in metrics labels. Empty defaults to "fetch".
	Job string

	// sleep is an unexported test seam. Production waits on a timer that
	// honors context cancellation.
	sleep func(ctx context.Context, d time.Duration) bool
}

// Client fetches URLs with bounded retry and manual redirect handling.
type Client struct {
	transport    Transport
	maxAttempts  int
	baseBackoff  time.Duration
	maxRedirects int
	headers      map[string]string
	limiter      *rate.Limiter
	job          string
	sleep        func(ctx context.Context, d time.Duration) bool
}

// NewClient builds a Client over transport, applying Options defaults.
func NewClient(transport Transport, opts Options) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxRedirects < 1 {
		opts.MaxRedirects = 5
	}
	if opts.Job == "" {
		opts.Job = "fetch"
	}
	if opts.sleep == nil {
		opts.sleep = sleepContext
	}
	return &Client{
		transport:    transport,
		maxAttempts:  opts.MaxAttempts,
		baseBackoff:  opts.BaseBackoff,
		maxRedirects: opts.MaxRedirects,
		headers:      opts.Headers,
		limiter:      opts.Limiter,
		job:          opts.Job,
		sleep:        opts.sleep,
	}
}

// Fetch GETs rawURL and returns the decoded body and final status code.
//
// Resilience:
//   - Transport errors retry up to MaxAttempts with linear backoff, the wait
//     growing as BaseBackoff times the attempt number.
//   - A 301/302 is followed by reissuing the GET against Location, keeping
//     the original query parameters when the target carries none of its own,
//     for at most MaxRedirects hops.
//   - Any other non-2xx status fails immediately with a *StatusError.
//
// Errors carry the URL being fetched. The returned status is 0 when no
// response was ever received.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, int, error) {
	target := rawURL
	for hop := 0; ; hop++ {
		resp, err := c.fetchOnce(ctx, target)
		if err != nil {
			return nil, 0, err
		}

		if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound {
			if hop == c.maxRedirects {
				return nil, resp.StatusCode, fmt.Errorf("fetch %s: redirect limit reached after %d hops", rawURL, hop)
			}
			next, rerr := redirectTarget(target, resp.Location)
			if rerr != nil {
				return nil, resp.StatusCode, fmt.Errorf("fetch %s: %w", target, rerr)
			}
			target = next
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, resp.StatusCode, &StatusError{URL: target, Code: resp.StatusCode}
		}
		return resp.Body, resp.StatusCode, nil
	}
}

// fetchOnce runs the bounded retry loop for one URL. Only transport errors
// retry; anything that produced a status code returns to the caller.
func (c *Client) fetchOnce(ctx context.Context, rawURL string) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
			}
		}

		start := time.Now()
		resp, err := c.transport.Get(ctx, rawURL, c.headers)
		elapsed := time.Since(start)

		status, size := 0, int64(0)
		if resp != nil {
			status = resp.StatusCode
			size = int64(len(resp.Body))
		}
		metrics.RecordHTTP(c.job, status, err, elapsed, size)

		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == c.maxAttempts {
			break
		}
		if !c.sleep(ctx, time.Duration(attempt)*c.baseBackoff) {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
		}
	}
	return nil, fmt.Errorf("fetch %s: %d attempts failed: %w", rawURL, c.maxAttempts, lastErr)
}

// redirectTarget resolves a Location header against the current URL and
// carries the original query parameters over when the target has none.
func redirectTarget(current, location string) (string, error) {
	if strings.TrimSpace(location) == "" {
		return "", errors.New("redirect without location header")
	}
	cur, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("bad current url: %w", err)
	}
	loc, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("bad location %q: %w", location, err)
	}

	next := cur.ResolveReference(loc)
	if next.RawQuery == "" {
		next.RawQuery = cur.RawQuery
	}
	return next.String(), nil
}

// sleepContext waits for d, honoring context cancellation. It reports false
// when the context ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
