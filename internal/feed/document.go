// Package feed assembles gallery pages into feed documents and encodes them
// as Atom or RSS.
package feed

import (
	"fmt"
	"time"
)

// Format selects the feed dialect.
type Format int

const (
	FormatAtom Format = iota
	FormatRSS
)

func (f Format) String() string {
	switch f {
	case FormatAtom:
		return "atom"
	case FormatRSS:
		return "rss"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// MediaType is the bare MIME type of the format.
func (f Format) MediaType() string {
	if f == FormatRSS {
		return "application/rss+xml"
	}
	return "application/atom+xml"
}

// ContentType is the value used for the Content-Type response header.
func (f Format) ContentType() string {
	return f.MediaType() + "; charset=utf-8"
}

// Link relations used on documents.
const (
	RelAlternate = "alternate"
	RelSelf      = "self"
	RelFirst     = "first"
	RelPrev      = "prev"
	RelNext      = "next"
	RelIcon      = "icon"
)

type Link struct {
	Href string
	Rel  string
	Type string
}

type Enclosure struct {
	URL  string
	Type string
}

type Entry struct {
	Title       string
	Link        string
	ID          string
	Enclosure   Enclosure
	Description string
	Author      string
	Published   time.Time
	Updated     time.Time
}

// Document is a format-independent feed.
type Document struct {
	Title       string
	ID          string
	Description string
	Language    string
	Generator   string
	Links       []Link
	Entries     []Entry
	Updated     time.Time
}

// Link returns the first link with the given relation.
func (d *Document) Link(rel string) (Link, bool) {
	for _, l := range d.Links {
		if l.Rel == rel {
			return l, true
		}
	}
	return Link{}, false
}
