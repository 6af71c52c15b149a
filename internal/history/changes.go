package history

import (
	"github.com/maltedev/stock-prober/internal/models"
)

type ChangeKind string

const (
	ChangeAdded   ChangeKind = "ADDED"
	ChangeUpdated ChangeKind = "UPDATED"
)

// Change is a difference between a fresh entry and the recorded one.
type Change struct {
	Kind     ChangeKind
	Slug     string
	Current  models.Entry
	Previous *models.Entry
}

// DetectChanges compares the successful fresh entries with history by slug.
// An entry is Added when its slug was never recorded and Updated when the
// stock amount or its confirmation differs. Unchanged entries are omitted.
func DetectChanges(fresh, history []models.Entry) []Change {
	previous := make(map[string]models.Entry, len(history))
	for _, e := range history {
		if !e.OK() {
			continue
		}
		if _, ok := previous[e.Slug]; !ok {
			previous[e.Slug] = e
		}
	}

	// the last visit of a slug in the run is the one that counts
	var order []string
	latest := make(map[string]models.Entry, len(fresh))
	for _, e := range fresh {
		if !e.OK() {
			continue
		}
		if _, ok := latest[e.Slug]; !ok {
			order = append(order, e.Slug)
		}
		latest[e.Slug] = e
	}

	var changes []Change
	for _, slug := range order {
		e := latest[slug]
		prev, ok := previous[slug]
		if !ok {
			changes = append(changes, Change{Kind: ChangeAdded, Slug: slug, Current: e})
			continue
		}
		if prev.Amount != e.Amount || prev.Confirmed != e.Confirmed {
			p := prev
			changes = append(changes, Change{Kind: ChangeUpdated, Slug: slug, Current: e, Previous: &p})
		}
	}
	return changes
}
