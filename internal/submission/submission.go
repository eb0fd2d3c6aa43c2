package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRecord is returned when a record cannot be built from its inputs.
var ErrInvalidRecord = errors.New("invalid submission record")

// Rating is the content rating the upstream site assigns to a submission.
type Rating string

const (
	RatingGeneral Rating = "general"
	RatingMature  Rating = "mature"
	RatingAdult   Rating = "adult"
	RatingUnknown Rating = "unknown"
)

// ParseRating maps an upstream rating label ("General", "r-mature", ...) to a Rating.
func ParseRating(s string) Rating {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "r-")
	switch Rating(s) {
	case RatingGeneral, RatingMature, RatingAdult:
		return Rating(s)
	default:
		return RatingUnknown
	}
}

// MediaType is the upstream classification of a submission's file.
type MediaType string

const (
	MediaImage   MediaType = "image"
	MediaText    MediaType = "text"
	MediaAudio   MediaType = "audio"
	MediaMusic   MediaType = "music"
	MediaFlash   MediaType = "flash"
	MediaVideo   MediaType = "video"
	MediaUnknown MediaType = "unknown"
)

// ParseMediaType maps an upstream type label ("t-image", "image", ...) to a MediaType.
func ParseMediaType(s string) MediaType {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "t-")
	switch MediaType(s) {
	case MediaImage, MediaText, MediaAudio, MediaMusic, MediaFlash, MediaVideo:
		return MediaType(s)
	default:
		return MediaUnknown
	}
}

// Summary is one entry of a gallery listing.
type Summary struct {
	ID           int64
	Title        string
	URL          string
	ThumbnailURL string
	Rating       Rating
	MediaType    MediaType
	Author       string
}

// Raw is a single submission as scraped from upstream, before normalization.
// Date holds the wall clock the site printed; its location is meaningless.
type Raw struct {
	ID           int64
	Title        string
	Description  string
	URL          string
	FileURL      string
	ThumbnailURL string
	Date         time.Time
	Author       string
	Rating       Rating
	MediaType    MediaType
}

// RecordParams carries the validated inputs of NewRecord.
type RecordParams struct {
	ID           int64
	Title        string
	Description  string
	URL          string
	FileURL      string
	ThumbnailURL string
	Published    time.Time
	Author       string
	Rating       Rating
	MediaType    MediaType
}

// Record is the normalized, cached form of a submission. It is immutable;
// the zero value is not a valid record.
type Record struct {
	id           int64
	title        string
	description  string
	url          string
	fileURL      string
	thumbnailURL string
	published    time.Time
	author       string
	rating       Rating
	mediaType    MediaType
}

// NewRecord builds a Record in one step, rejecting incomplete inputs.
func NewRecord(p RecordParams) (Record, error) {
	switch {
	case p.ID <= 0:
		return Record{}, fmt.Errorf("%w: id must be positive, got %d", ErrInvalidRecord, p.ID)
	case p.URL == "":
		return Record{}, fmt.Errorf("%w: submission %d has no URL", ErrInvalidRecord, p.ID)
	case p.FileURL == "":
		return Record{}, fmt.Errorf("%w: submission %d has no file URL", ErrInvalidRecord, p.ID)
	case p.Published.IsZero():
		return Record{}, fmt.Errorf("%w: submission %d has no publication date", ErrInvalidRecord, p.ID)
	}

	rating := p.Rating
	if rating == "" {
		rating = RatingUnknown
	}
	mediaType := p.MediaType
	if mediaType == "" {
		mediaType = MediaUnknown
	}

	return Record{
		id:           p.ID,
		title:        p.Title,
		description:  p.Description,
		url:          p.URL,
		fileURL:      p.FileURL,
		thumbnailURL: p.ThumbnailURL,
		published:    p.Published.UTC(),
		author:       p.Author,
		rating:       rating,
		mediaType:    mediaType,
	}, nil
}

func (r Record) ID() int64            { return r.id }
func (r Record) Title() string        { return r.title }
func (r Record) Description() string  { return r.description }
func (r Record) URL() string          { return r.url }
func (r Record) FileURL() string      { return r.fileURL }
func (r Record) ThumbnailURL() string { return r.thumbnailURL }
func (r Record) Published() time.Time { return r.published }
func (r Record) Author() string       { return r.author }
func (r Record) Rating() Rating       { return r.rating }
func (r Record) MediaType() MediaType { return r.mediaType }

// Equal reports whether both records hold the same data.
func (r Record) Equal(o Record) bool {
	return r.id == o.id &&
		r.title == o.title &&
		r.description == o.description &&
		r.url == o.url &&
		r.fileURL == o.fileURL &&
		r.thumbnailURL == o.thumbnailURL &&
		r.published.Equal(o.published) &&
		r.author == o.author &&
		r.rating == o.rating &&
		r.mediaType == o.mediaType
}

type recordJSON struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	URL          string    `json:"url"`
	FileURL      string    `json:"file_url"`
	ThumbnailURL string    `json:"thumbnail_url"`
	Published    time.Time `json:"published"`
	Author       string    `json:"author"`
	Rating       Rating    `json:"rating"`
	MediaType    MediaType `json:"media_type"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID:           r.id,
		Title:        r.title,
		Description:  r.description,
		URL:          r.url,
		FileURL:      r.fileURL,
		ThumbnailURL: r.thumbnailURL,
		Published:    r.published,
		Author:       r.author,
		Rating:       r.rating,
		MediaType:    r.mediaType,
	})
}

// UnmarshalJSON decodes a stored record, running it through NewRecord so a
// damaged snapshot entry is reported instead of loaded half-empty.
func (r *Record) UnmarshalJSON(data []byte) error {
	var j recordJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	rec, err := NewRecord(RecordParams(j))
	if err != nil {
		return err
	}
	*r = rec
	return nil
}
