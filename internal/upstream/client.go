// Package upstream talks to the gallery site: it fetches gallery listings and
// submission pages and turns them into plain values.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pders01/fss/internal/debuglog"
	"github.com/pders01/fss/internal/submission"
)

// Source is what the feed assembler needs from the site.
type Source interface {
	Gallery(ctx context.Context, username string, page int, sfw bool) (*Page, error)
	Submission(ctx context.Context, id int64) (*submission.Raw, error)
}

// Page is one gallery listing in upstream order.
type Page struct {
	Username    string
	AuthorName  string
	AuthorTitle string
	Submissions []submission.Summary
	HasNext     bool
}

// Options configures a Client.
type Options struct {
	BaseURL         string
	UserAgent       string
	HTTPTimeout     time.Duration
	RetryInterval   time.Duration
	MaxRetryElapsed time.Duration
	CookieA         string
	CookieB         string
}

// Client implements Source over HTTP.
type Client struct {
	base    *url.URL
	fetcher *Fetcher
	parser  *Parser

	retryInterval   time.Duration
	maxRetryElapsed time.Duration
}

var _ Source = (*Client)(nil)

func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", opts.BaseURL)
	}

	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.MaxRetryElapsed <= 0 {
		opts.MaxRetryElapsed = 30 * time.Second
	}

	return &Client{
		base: base,
		fetcher: NewFetcher(FetcherOptions{
			Timeout:   opts.HTTPTimeout,
			UserAgent: opts.UserAgent,
			CookieA:   opts.CookieA,
			CookieB:   opts.CookieB,
		}),
		parser:          NewParser(base),
		retryInterval:   opts.RetryInterval,
		maxRetryElapsed: opts.MaxRetryElapsed,
	}, nil
}

// BaseURL returns the site root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Gallery fetches one page of a user's gallery. With sfw set, summaries not
// rated general are dropped.
func (c *Client) Gallery(ctx context.Context, username string, page int, sfw bool) (*Page, error) {
	if page < 1 {
		page = 1
	}
	target := c.base.JoinPath("gallery", username, fmt.Sprint(page)).String() + "/"

	body, err := c.get(ctx, target)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) && fe.Status == http.StatusNotFound {
			return nil, &UserError{Username: username, Kind: ErrUserNotFound}
		}
		return nil, err
	}

	result, err := c.parser.Gallery(body, username, page)
	if err != nil {
		return nil, err
	}

	if sfw {
		kept := result.Submissions[:0]
		for _, s := range result.Submissions {
			if s.Rating == submission.RatingGeneral {
				kept = append(kept, s)
			}
		}
		result.Submissions = kept
	}

	debuglog.WithFields(map[string]interface{}{
		"user":        username,
		"page":        page,
		"submissions": len(result.Submissions),
		"has_next":    result.HasNext,
	}).Debugf("fetched gallery")
	return result, nil
}

// Submission fetches and parses one submission page.
func (c *Client) Submission(ctx context.Context, id int64) (*submission.Raw, error) {
	target := c.base.JoinPath("view", fmt.Sprint(id)).String() + "/"

	body, err := c.get(ctx, target)
	if err != nil {
		return nil, err
	}
	return c.parser.Submission(body, id)
}

// get fetches target, retrying transient failures with exponential backoff
// until the retry budget or ctx runs out.
func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxElapsedTime = c.maxRetryElapsed

	var body []byte
	operation := func() error {
		var err error
		body, err = c.fetcher.Fetch(ctx, target)
		if err == nil {
			return nil
		}
		var fe *FetchError
		if errors.As(err, &fe) && !fe.Transient() {
			return backoff.Permanent(err)
		}
		if errors.As(err, &fe) && fe.RetryAfter > c.maxRetryElapsed {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		debuglog.Warnf("upstream request failed, retrying in %s: %v", wait, err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}
