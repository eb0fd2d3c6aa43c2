package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultUserAgent = "FA RSS Proxy (github.com/pders01/fss)"
	defaultTimeout   = 20 * time.Second
	maxBodySize      = 8 << 20
)

// Fetcher issues authenticated GET requests against the site.
type Fetcher struct {
	client    *http.Client
	userAgent string
	cookies   []*http.Cookie
}

// FetcherOptions configures a Fetcher. Empty cookie values are not sent.
type FetcherOptions struct {
	Timeout   time.Duration
	UserAgent string
	CookieA   string
	CookieB   string
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	f := &Fetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
		},
		userAgent: opts.UserAgent,
	}
	if opts.CookieA != "" {
		f.cookies = append(f.cookies, &http.Cookie{Name: "a", Value: opts.CookieA})
	}
	if opts.CookieB != "" {
		f.cookies = append(f.cookies, &http.Cookie{Name: "b", Value: opts.CookieB})
	}
	return f
}

// Fetch returns the body of rawURL. Any status >= 400 and any transport
// failure is returned as a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	for _, c := range f.cookies {
		req.AddCookie(c)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{
			URL:        rawURL,
			Status:     resp.StatusCode,
			RetryAfter: GetRetryAfter(resp),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("reading body: %w", err)}
	}
	return body, nil
}

// GetRetryAfter reads the Retry-After header in either seconds or HTTP-date
// form. It returns zero when the header is absent or unparsable.
func GetRetryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
