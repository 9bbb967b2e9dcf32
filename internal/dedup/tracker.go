// Package dedup tracks which notice identifiers have been visited on the
// current results page.
package dedup

// Tracker is a per-page set of visited notice identifiers. The row
// collection on the target site is not a stable live reference and must be
// re-queried after every navigation; the tracker is what keeps overlapping
// re-fetches from producing double visits. It is owned by the crawl
// controller for exactly one page and reset on pagination advance.
type Tracker struct {
	seen map[string]struct{}
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{seen: make(map[string]struct{})}
}

// Seen reports whether id has already been marked on this page.
func (t *Tracker) Seen(id string) bool {
	_, ok := t.seen[id]
	return ok
}

// Mark records id as visited. Marking happens before any browser action on
// the row, so a fault mid-visit never causes a second visit later.
func (t *Tracker) Mark(id string) {
	t.seen[id] = struct{}{}
}

// Len returns the number of identifiers marked so far.
func (t *Tracker) Len() int {
	return len(t.seen)
}

// Reset clears the set. Called only when pagination advances, never
// mid-page.
func (t *Tracker) Reset() {
	t.seen = make(map[string]struct{})
}
