package feed

import (
	"fmt"
	"io"
	"time"

	"github.com/mmcdole/gofeed"
)

// Summary is what a feed reader sees of an encoded feed.
type Summary struct {
	Title       string
	Description string
	FeedType    string
	Links       []string
	Items       []SummaryItem
}

type SummaryItem struct {
	Title     string
	Link      string
	GUID      string
	Published time.Time
	MediaURLs []string
}

// Inspect parses an encoded feed the way a reader would. It is used to check
// rendered output before it is served or printed.
func Inspect(r io.Reader) (*Summary, error) {
	parsed, err := gofeed.NewParser().Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	out := &Summary{
		Title:       parsed.Title,
		Description: parsed.Description,
		FeedType:    parsed.FeedType,
		Links:       parsed.Links,
		Items:       make([]SummaryItem, 0, len(parsed.Items)),
	}
	for _, item := range parsed.Items {
		si := SummaryItem{
			Title: item.Title,
			Link:  item.Link,
			GUID:  item.GUID,
		}
		if item.PublishedParsed != nil {
			si.Published = *item.PublishedParsed
		}
		si.MediaURLs = extractMediaURLs(item)
		out.Items = append(out.Items, si)
	}
	return out, nil
}

func extractMediaURLs(item *gofeed.Item) []string {
	var urls []string
	for _, enc := range item.Enclosures {
		if enc.URL != "" {
			urls = append(urls, enc.URL)
		}
	}
	return urls
}
