package submission

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// ThumbnailSize is the size marker requested for every thumbnail.
const ThumbnailSize = "@600"

// The site prints dates in EST all year round; daylight saving is never applied.
var upstreamZone = time.FixedZone("EST", -5*60*60)

var (
	sizeMarker        = regexp.MustCompile(`@\d+`)
	descriptionPolicy = bluemonday.UGCPolicy()
)

// Normalize converts a scraped submission into its cached form.
func Normalize(raw Raw) (Record, error) {
	if raw.Date.IsZero() {
		return Record{}, fmt.Errorf("%w: submission %d has no publication date", ErrInvalidRecord, raw.ID)
	}

	return NewRecord(RecordParams{
		ID:           raw.ID,
		Title:        strings.TrimSpace(raw.Title),
		Description:  strings.TrimSpace(descriptionPolicy.Sanitize(raw.Description)),
		URL:          absoluteScheme(raw.URL),
		FileURL:      absoluteScheme(raw.FileURL),
		ThumbnailURL: FixThumbnail(raw.ThumbnailURL),
		Published:    ToUTC(raw.Date),
		Author:       strings.TrimSpace(raw.Author),
		Rating:       raw.Rating,
		MediaType:    raw.MediaType,
	})
}

// ToUTC reads the wall clock of t as upstream time (fixed UTC-5) and returns
// the matching UTC instant. The location attached to t is ignored.
func ToUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), upstreamZone).UTC()
}

// FixThumbnail unescapes the "@" the site URL-encodes in thumbnail paths and
// rewrites the first size marker to request the 600px variant.
func FixThumbnail(raw string) string {
	u := absoluteScheme(strings.ReplaceAll(raw, "%40", "@"))

	loc := sizeMarker.FindStringIndex(u)
	if loc == nil {
		return u
	}
	return u[:loc[0]] + ThumbnailSize + u[loc[1]:]
}

func absoluteScheme(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}
