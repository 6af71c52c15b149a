// Package feed renders merged entries into the JSON record and the
// syndication feed.
package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/feeds"
	"github.com/maltedev/stock-prober/internal/history"
	"github.com/maltedev/stock-prober/internal/models"
)

const (
	Title           = "Stocks RSS Feed"
	DefaultSubtitle = "Confirmed and assumed stock amounts per product"

	FormatRSS  = "rss"
	FormatAtom = "atom"
)

// Records converts entries to the record shape. The result is never nil, so
// an empty run still encodes as [].
func Records(entries []models.Entry) []models.Record {
	out := make([]models.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Record())
	}
	return out
}

func WriteRecords(w io.Writer, entries []models.Entry) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Records(entries)); err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	return nil
}

// ReadRecords decodes a record written by WriteRecords. Empty input yields no
// entries.
func ReadRecords(r io.Reader) ([]models.Entry, error) {
	var records []models.Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}

	entries := make([]models.Entry, 0, len(records))
	for _, rec := range records {
		e, err := models.EntryFromRecord(rec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

type Options struct {
	Link     string
	Subtitle string
	Format   string
}

// Build creates one feed item per merged entry. Items observed in this run
// carry a creation time; every item is marked updated now.
func Build(items []history.Item, opts Options, now time.Time) *feeds.Feed {
	now = models.InZone(now)
	subtitle := opts.Subtitle
	if subtitle == "" {
		subtitle = DefaultSubtitle
	}

	f := &feeds.Feed{
		Title:       Title,
		Link:        &feeds.Link{Href: opts.Link},
		Description: subtitle,
		Subtitle:    subtitle,
		Updated:     now,
	}

	for _, it := range items {
		item := &feeds.Item{
			Id:          it.Slug,
			Title:       it.Slug,
			Link:        &feeds.Link{Href: it.URL},
			Description: it.Amount,
			Updated:     now,
		}
		if it.Fresh {
			item.Created = it.PublishedAt()
		}
		f.Add(item)
	}
	return f
}

// Write serializes f in the given format, RSS when empty.
func Write(w io.Writer, f *feeds.Feed, format string) error {
	switch format {
	case "", FormatRSS:
		if err := feeds.WriteXML(rssFeed(f), w); err != nil {
			return fmt.Errorf("failed to write rss: %w", err)
		}
	case FormatAtom:
		if err := f.WriteAtom(w); err != nil {
			return fmt.Errorf("failed to write atom: %w", err)
		}
	default:
		return fmt.Errorf("unsupported feed format %q", format)
	}
	return nil
}

// rssFeed converts f to RSS. gorilla/feeds falls back to Updated for an
// item's pubDate; items without a creation time get none.
func rssFeed(f *feeds.Feed) *feeds.RssFeed {
	rss := (&feeds.Rss{Feed: f}).RssFeed()
	for i, item := range f.Items {
		if item.Created.IsZero() {
			rss.Items[i].PubDate = ""
		}
	}
	return rss
}

// ContentType returns the media type of a feed format.
func ContentType(format string) string {
	if format == FormatAtom {
		return "application/atom+xml; charset=utf-8"
	}
	return "application/rss+xml; charset=utf-8"
}
