package feed

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/pders01/fss/internal/debuglog"
	"github.com/pders01/fss/internal/submission"
	"github.com/pders01/fss/internal/upstream"
)

const (
	// MaxEntries caps the entries of one feed page regardless of how many
	// submissions the gallery page lists.
	MaxEntries = 10

	Generator       = "FA RSS Proxy"
	Language        = "en"
	DefaultSiteURL  = "https://www.furaffinity.net"
	emptyGalleryMsg = "No submissions found, but the user exists."
)

// Resolver maps submission ids to records, fetching on a miss. The boolean
// reports whether the record was already cached.
type Resolver interface {
	Resolve(ctx context.Context, id int64) (submission.Record, bool, error)
	Flush(ctx context.Context) error
}

// Query identifies one feed page.
type Query struct {
	Username string
	Page     int
	SFW      bool
	Format   Format
}

// Assembler builds feed documents from gallery pages.
type Assembler struct {
	src      upstream.Source
	resolver Resolver

	siteURL   string
	publicURL string
	now       func() time.Time
}

type Option func(*Assembler)

// WithSiteURL sets the site root used for the feed id and alternate link.
func WithSiteURL(u string) Option {
	return func(a *Assembler) { a.siteURL = strings.TrimRight(u, "/") }
}

// WithPublicURL prefixes pagination links with the proxy's public address.
// Without it the links are root-relative.
func WithPublicURL(u string) Option {
	return func(a *Assembler) { a.publicURL = strings.TrimRight(u, "/") }
}

// WithClock replaces time.Now for the Updated stamp of entry-less feeds.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

func NewAssembler(src upstream.Source, resolver Resolver, opts ...Option) *Assembler {
	a := &Assembler{
		src:      src,
		resolver: resolver,
		siteURL:  DefaultSiteURL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Build assembles the feed for q.
//
// A disabled account yields an entry-less document whose description carries
// the site's notice. upstream.ErrUserNotFound and every other gallery or
// submission error are returned unchanged in kind. The resolver is flushed at
// most once, and only when a record was fetched during this call.
func (a *Assembler) Build(ctx context.Context, q Query) (*Document, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	doc := a.baseDocument(q.Username)
	log := debuglog.WithFields(map[string]interface{}{
		"user":   q.Username,
		"page":   q.Page,
		"format": q.Format.String(),
	})

	page, err := a.src.Gallery(ctx, q.Username, q.Page, q.SFW)
	if err != nil {
		if errors.Is(err, upstream.ErrAccountDisabled) {
			log.Infof("account disabled: %v", err)
			doc.Description = err.Error()
			doc.Updated = a.now().UTC()
			return doc, nil
		}
		return nil, err
	}

	doc.Links = append(doc.Links, a.pageLinks(q, page.HasNext)...)

	if len(page.Submissions) == 0 {
		doc.Description = emptyGalleryMsg
		doc.Updated = a.now().UTC()
		return doc, nil
	}

	name := lo.Ternary(page.AuthorName != "", page.AuthorName, q.Username)
	doc.Title = "FA Gallery feed of " + name
	doc.Description = lo.Ternary(page.AuthorTitle != "", page.AuthorTitle, name)

	anyNew := false
	for _, sum := range lo.Slice(page.Submissions, 0, MaxEntries) {
		rec, cached, err := a.resolver.Resolve(ctx, sum.ID)
		if err != nil {
			if anyNew {
				a.flush(ctx)
			}
			return nil, fmt.Errorf("resolving submission %d: %w", sum.ID, err)
		}
		anyNew = anyNew || !cached
		doc.Entries = append(doc.Entries, newEntry(rec, q.Username))
	}

	if anyNew {
		a.flush(ctx)
	}

	doc.Updated = lo.MaxBy(doc.Entries, func(x, y Entry) bool {
		return x.Published.After(y.Published)
	}).Published

	log.Debugf("built feed with %d entries (new: %t)", len(doc.Entries), anyNew)
	return doc, nil
}

// flush persists newly fetched records. A failed write is logged; the
// in-memory cache stays authoritative.
func (a *Assembler) flush(ctx context.Context) {
	if err := a.resolver.Flush(context.WithoutCancel(ctx)); err != nil {
		debuglog.Errorf("cache flush failed: %v", err)
	}
}

func (a *Assembler) baseDocument(username string) *Document {
	gallery := a.siteURL + "/gallery/" + username
	return &Document{
		Title:     "FA Gallery feed of " + username,
		ID:        gallery,
		Language:  Language,
		Generator: Generator,
		Links: []Link{
			{Href: gallery, Rel: RelAlternate, Type: "text/html"},
			{Href: a.siteURL + "/favicon.ico", Rel: RelIcon},
		},
	}
}

// pageLinks returns the self and pagination links. They point back at this
// proxy using the route of q.Format.
func (a *Assembler) pageLinks(q Query, hasNext bool) []Link {
	prefix := a.publicURL + "/gallery/" + q.Username
	if q.Format == FormatRSS {
		prefix += "/rss"
	}
	query := ""
	if q.SFW {
		query = "?sfw=true"
	}
	at := func(page int) string {
		if page <= 1 {
			return prefix + query
		}
		return prefix + "/" + strconv.Itoa(page) + query
	}

	links := []Link{{Href: at(q.Page), Rel: RelSelf, Type: q.Format.MediaType()}}
	if q.Page > 1 {
		links = append(links, Link{Href: at(1), Rel: RelFirst, Type: q.Format.MediaType()})
		if q.Page-1 >= 1 {
			links = append(links, Link{Href: at(q.Page - 1), Rel: RelPrev, Type: q.Format.MediaType()})
		}
	}
	if hasNext {
		links = append(links, Link{Href: at(q.Page + 1), Rel: RelNext, Type: q.Format.MediaType()})
	}
	return links
}

func newEntry(rec submission.Record, username string) Entry {
	return Entry{
		Title: rec.Title(),
		Link:  rec.URL(),
		ID:    rec.URL(),
		Enclosure: Enclosure{
			URL:  rec.FileURL(),
			Type: MIMEType(rec.FileURL()),
		},
		Description: entryDescription(rec),
		Author:      username,
		Published:   rec.Published(),
		Updated:     rec.Published(),
	}
}

// entryDescription renders the linked thumbnail followed by the submission
// description. The description is already sanitized.
func entryDescription(rec submission.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<a href="%s"><img src="%s" alt="%s" /></a>`,
		html.EscapeString(rec.URL()),
		html.EscapeString(rec.ThumbnailURL()),
		html.EscapeString(rec.Title()))
	b.WriteString("<hr />")
	b.WriteString(rec.Description())
	return b.String()
}
