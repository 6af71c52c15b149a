// Package history combines the entries of a run with previously recorded
// entries and reports what changed between them.
package history

import (
	"context"
	"time"

	"github.com/maltedev/stock-prober/internal/models"
)

// Source loads the previously recorded entries, most recent first.
type Source interface {
	Load(ctx context.Context) ([]models.Entry, error)
}

// Item is one row of the merged output. Fresh marks entries observed in the
// current run.
type Item struct {
	models.Entry
	Fresh bool
}

// Merge returns the fresh entries followed by the history entries that were
// not re-observed, with exactly one row per slug. Fresh entries get
// Published = now; history entries keep the Published they carry. Failed
// entries are never part of the output.
func Merge(fresh, history []models.Entry, now time.Time) []Item {
	now = models.InZone(now)
	out := make([]Item, 0, len(fresh)+len(history))
	pos := make(map[string]int, len(fresh)+len(history))

	for _, e := range fresh {
		if !e.OK() {
			continue
		}
		e.Published = now
		if i, ok := pos[e.Slug]; ok {
			// a later visit in the same run wins but keeps the first position
			out[i] = Item{Entry: e, Fresh: true}
			continue
		}
		pos[e.Slug] = len(out)
		out = append(out, Item{Entry: e, Fresh: true})
	}

	for _, e := range history {
		if !e.OK() {
			continue
		}
		if _, ok := pos[e.Slug]; ok {
			continue
		}
		if e.Published.IsZero() {
			e.Published = e.Date
		}
		pos[e.Slug] = len(out)
		out = append(out, Item{Entry: e})
	}

	return out
}

// Entries drops the freshness marker.
func Entries(items []Item) []models.Entry {
	out := make([]models.Entry, 0, len(items))
	for _, it := range items {
		out = append(out, it.Entry)
	}
	return out
}

// Static is a Source over a fixed set of entries.
type Static []models.Entry

func (s Static) Load(context.Context) ([]models.Entry, error) {
	return s, nil
}
