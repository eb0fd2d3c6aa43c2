package feed

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/feeds"
)

const atomNS = "http://www.w3.org/2005/Atom"

// atomDocument is the Atom root element. gorilla/feeds models a single feed
// link, so the root is declared here to carry every document link.
type atomDocument struct {
	XMLName   xml.Name           `xml:"feed"`
	Xmlns     string             `xml:"xmlns,attr"`
	Lang      string             `xml:"xml:lang,attr,omitempty"`
	Title     string             `xml:"title"`
	ID        string             `xml:"id"`
	Updated   string             `xml:"updated"`
	Subtitle  string             `xml:"subtitle,omitempty"`
	Generator string             `xml:"generator,omitempty"`
	Icon      string             `xml:"icon,omitempty"`
	Links     []feeds.AtomLink   `xml:"link"`
	Entries   []*feeds.AtomEntry `xml:"entry"`
}

func (d *atomDocument) FeedXml() interface{} { return d }

type rssDocument struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	Channel *feeds.RssFeed
}

func (d *rssDocument) FeedXml() interface{} { return d }

// Encode writes doc to w in format f.
func Encode(w io.Writer, doc *Document, f Format) error {
	switch f {
	case FormatAtom:
		return feeds.WriteXML(atomXML(doc), w)
	case FormatRSS:
		return feeds.WriteXML(rssXML(doc), w)
	default:
		return fmt.Errorf("unsupported feed format %s", f)
	}
}

// toFeed maps doc onto the gorilla/feeds model. enclosureLength is required
// by the RSS writer, which drops enclosures without a length.
func toFeed(doc *Document, enclosureLength string) *feeds.Feed {
	alternate, _ := doc.Link(RelAlternate)

	f := &feeds.Feed{
		Title:       doc.Title,
		Id:          doc.ID,
		Link:        &feeds.Link{Href: alternate.Href, Rel: RelAlternate, Type: alternate.Type},
		Description: doc.Description,
		Updated:     doc.Updated,
	}

	for _, e := range doc.Entries {
		item := &feeds.Item{
			Title:       e.Title,
			Link:        &feeds.Link{Href: e.Link, Rel: RelAlternate, Type: "text/html"},
			Id:          e.ID,
			Description: e.Description,
			Author:      &feeds.Author{Name: e.Author},
			Created:     e.Published,
			Updated:     e.Updated,
		}
		if e.Enclosure.URL != "" {
			item.Enclosure = &feeds.Enclosure{
				Url:    e.Enclosure.URL,
				Type:   e.Enclosure.Type,
				Length: enclosureLength,
			}
		}
		f.Items = append(f.Items, item)
	}
	return f
}

func atomXML(doc *Document) *atomDocument {
	af := (&feeds.Atom{Feed: toFeed(doc, "")}).AtomFeed()

	out := &atomDocument{
		Xmlns:     atomNS,
		Lang:      doc.Language,
		Title:     af.Title,
		ID:        doc.ID,
		Updated:   formatAtomTime(doc.Updated),
		Subtitle:  doc.Description,
		Generator: doc.Generator,
		Entries:   af.Entries,
	}
	// gorilla/feeds leaves <published> unset.
	for i, e := range out.Entries {
		if i < len(doc.Entries) {
			e.Published = formatAtomTime(doc.Entries[i].Published)
		}
	}
	for _, l := range doc.Links {
		if l.Rel == RelIcon {
			out.Icon = l.Href
		}
		out.Links = append(out.Links, feeds.AtomLink{Href: l.Href, Rel: l.Rel, Type: l.Type})
	}
	return out
}

func rssXML(doc *Document) *rssDocument {
	channel := (&feeds.Rss{Feed: toFeed(doc, "0")}).RssFeed()

	// A channel description is mandatory in RSS 2.0.
	if channel.Description == "" {
		channel.Description = doc.Title
	}
	channel.Language = doc.Language
	channel.Generator = doc.Generator
	if !doc.Updated.IsZero() {
		channel.LastBuildDate = doc.Updated.UTC().Format(time.RFC1123Z)
	}

	return &rssDocument{Version: "2.0", Channel: channel}
}

func formatAtomTime(t time.Time) string {
	if t.IsZero() {
		t = time.Unix(0, 0)
	}
	return t.UTC().Format(time.RFC3339)
}
