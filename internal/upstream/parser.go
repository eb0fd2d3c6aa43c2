package upstream

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/pders01/fss/internal/submission"
)

// Date layouts used by the submission page, in the site's own time zone.
var dateLayouts = []string{
	"Jan 2, 2006 03:04 PM",
	"Jan 2, 2006 3:04 PM",
	"Jan 2, 2006 03:04:05 PM",
	"January 2, 2006 03:04:05 PM",
}

var (
	viewPath     = regexp.MustCompile(`/view/(\d+)`)
	ordinalDay   = regexp.MustCompile(`(\d+)(st|nd|rd|th),`)
	contentClass = regexp.MustCompile(`page-content-type-([a-z]+)`)
)

// Parser turns site HTML into gallery pages and raw submissions. Relative
// links are resolved against base.
type Parser struct {
	base *url.URL
}

func NewParser(base *url.URL) *Parser {
	return &Parser{base: base}
}

// Gallery parses one gallery listing. A system notice instead of a gallery
// section is reported as *UserError.
func (p *Parser) Gallery(body []byte, username string, page int) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing gallery: %v", ErrUpstream, err)
	}

	section := doc.Find("section.gallery").First()
	if section.Length() == 0 {
		if uerr := p.systemNotice(doc, username); uerr != nil {
			return nil, uerr
		}
		return nil, fmt.Errorf("%w: gallery of %s has no gallery section", ErrUpstream, username)
	}

	result := &Page{Username: username}
	section.Find("figure").Each(func(_ int, fig *goquery.Selection) {
		sum, ok := p.summary(fig)
		if !ok {
			return
		}
		if result.AuthorName == "" && sum.Author != "" {
			result.AuthorName = sum.Author
		}
		result.Submissions = append(result.Submissions, sum)
	})

	if result.AuthorName == "" {
		result.AuthorName = firstText(doc, ".js-displayName", ".c-usernameBlock__displayName", ".username h2")
	}
	result.AuthorTitle = strings.TrimSpace(strings.TrimPrefix(firstText(doc, ".user-title"), "|"))
	result.HasNext = p.hasNext(doc, username, page)

	return result, nil
}

func (p *Parser) summary(fig *goquery.Selection) (submission.Summary, bool) {
	links := fig.Find("a")
	if links.Length() == 0 {
		return submission.Summary{}, false
	}

	href, _ := links.First().Attr("href")
	id := parseID(href)
	if id == 0 {
		if figID, ok := fig.Attr("id"); ok {
			id, _ = strconv.ParseInt(strings.TrimPrefix(figID, "sid-"), 10, 64)
		}
	}
	if id <= 0 {
		return submission.Summary{}, false
	}

	sum := submission.Summary{
		ID:        id,
		URL:       p.resolve(href),
		Rating:    submission.RatingUnknown,
		MediaType: submission.MediaUnknown,
	}

	if links.Length() > 1 {
		title := links.Eq(1)
		sum.Title = strings.TrimSpace(title.Text())
		if sum.Title == "" {
			sum.Title = strings.TrimSpace(title.AttrOr("title", ""))
		}
	}
	if links.Length() > 2 {
		sum.Author = strings.TrimSpace(links.Eq(2).Text())
	}
	if src, ok := fig.Find("img").First().Attr("src"); ok {
		sum.ThumbnailURL = strings.TrimSpace(src)
	}

	for _, class := range strings.Fields(fig.AttrOr("class", "")) {
		switch {
		case strings.HasPrefix(class, "r-"):
			sum.Rating = submission.ParseRating(class)
		case strings.HasPrefix(class, "t-"):
			sum.MediaType = submission.ParseMediaType(class)
		}
	}

	return sum, true
}

// galleryNav matches the containers that hold the gallery's page controls.
const galleryNav = "div.gallery-navigation, div.pagination, .submission-list .aligncenter"

// hasNext looks inside the gallery navigation for the form, link or
// enabled "Next" control that leads to page+1. Pages without navigation
// have no next page.
func (p *Parser) hasNext(doc *goquery.Document, username string, page int) bool {
	nav := doc.Find(galleryNav)
	if nav.Length() == 0 {
		return false
	}
	next := fmt.Sprintf("/gallery/%s/%d", strings.ToLower(username), page+1)

	found := false
	nav.Find("form[action], a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		target := s.AttrOr("action", s.AttrOr("href", ""))
		if strings.Contains(strings.ToLower(target), next) {
			found = true
			return false
		}
		return true
	})
	if found {
		return true
	}

	nav.Find("button, a").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.EqualFold(strings.TrimSpace(s.Text()), "next") {
			_, disabled := s.Attr("disabled")
			found = !disabled
			return !found
		}
		return true
	})
	return found
}

// systemNotice maps the site's system message to a *UserError, or nil when
// the page carries no recognizable notice.
func (p *Parser) systemNotice(doc *goquery.Document, username string) error {
	notice := doc.Find(".notice-message, .redirect-message, section.aligncenter").First()
	if notice.Length() == 0 {
		return nil
	}

	message := strings.TrimSpace(notice.Find("p").First().Text())
	if message == "" {
		message = strings.TrimSpace(notice.Text())
	}
	message = strings.Join(strings.Fields(message), " ")
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "cannot be found"), strings.Contains(lower, "not found"):
		return &UserError{Username: username, Kind: ErrUserNotFound, Message: message}
	case strings.Contains(lower, "disabled"), strings.Contains(lower, "pending deletion"):
		return &UserError{Username: username, Kind: ErrAccountDisabled, Message: message}
	default:
		return nil
	}
}

// Submission parses a submission page.
func (p *Parser) Submission(body []byte, id int64) (*submission.Raw, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing submission %d: %v", ErrUpstream, id, err)
	}

	if doc.Find("div.submission-title").Length() == 0 {
		if notice := firstText(doc, ".notice-message p", ".redirect-message p"); notice != "" {
			return nil, fmt.Errorf("%w: submission %d: %s", ErrUpstream, id, notice)
		}
		return nil, fmt.Errorf("%w: submission %d: page has no submission", ErrUpstream, id)
	}

	raw := &submission.Raw{
		ID:        id,
		Title:     firstText(doc, "div.submission-title h2 p", "div.submission-title h2"),
		URL:       p.resolve(fmt.Sprintf("/view/%d/", id)),
		Author:    firstText(doc, ".submission-id-sub-container a[href*='/user/'] strong", ".submission-id-sub-container a[href*='/user/']"),
		Rating:    submission.ParseRating(firstText(doc, "div.rating span.rating-box")),
		MediaType: submission.MediaUnknown,
	}

	if desc := doc.Find("div.submission-description").First(); desc.Length() > 0 {
		html, err := desc.Html()
		if err == nil {
			raw.Description = strings.TrimSpace(html)
		}
	}

	if href, ok := doc.Find("div.download a").First().Attr("href"); ok {
		raw.FileURL = p.resolve(href)
	}

	img := doc.Find("img#submissionImg").First()
	raw.ThumbnailURL = strings.TrimSpace(img.AttrOr("data-preview-src", img.AttrOr("src", "")))

	if m := contentClass.FindStringSubmatch(doc.Find("#submission_page").AttrOr("class", "")); m != nil {
		raw.MediaType = submission.ParseMediaType(m[1])
	}

	date := doc.Find("span.popup_date").First()
	for _, candidate := range []string{date.AttrOr("title", ""), date.Text()} {
		if t, ok := parseDate(candidate); ok {
			raw.Date = t
			break
		}
	}
	if raw.Date.IsZero() {
		return nil, fmt.Errorf("%w: submission %d: no parsable date", ErrUpstream, id)
	}

	return raw, nil
}

func parseDate(s string) (time.Time, bool) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return time.Time{}, false
	}
	s = ordinalDay.ReplaceAllString(s, "$1,")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseID(href string) int64 {
	m := viewPath.FindStringSubmatch(href)
	if m == nil {
		return 0
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (p *Parser) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return p.base.ResolveReference(ref).String()
}

func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return strings.Join(strings.Fields(text), " ")
		}
	}
	return ""
}
