// Package notice defines the record produced for each public legal notice.
package notice

import "regexp"

// StateAbbrev is constant for this crawler; the target site only carries
// Minnesota filings.
const StateAbbrev = "MN"

// Record is one normalized notice. Fields other than State default to the
// empty string, never to a sentinel: a visited notice with nothing
// extractable is still coverage and still becomes a row.
type Record struct {
	FirstName  string
	LastName   string
	Street     string
	City       string
	State      string
	Zip        string
	DateOfSale string
	Plaintiff  string
	Link       string
	NoticeID   string
}

// Empty returns a Record with only the constant state and the source link
// populated.
func Empty(sourceURL string) Record {
	return Record{State: StateAbbrev, Link: sourceURL}
}

// HasName reports whether extraction found at least part of a name. Records
// without one are written anyway but logged as incomplete.
func (r Record) HasName() bool {
	return r.FirstName != "" || r.LastName != ""
}

// Columns is the output column order. The header is written even for a
// zero-record run.
var Columns = []string{
	"first_name", "last_name", "street", "city", "state", "zip",
	"date_of_sale", "plaintiff", "link", "notice_id",
}

// Row renders the record in Columns order.
func (r Record) Row() []string {
	return []string{
		r.FirstName, r.LastName, r.Street, r.City, r.State, r.Zip,
		r.DateOfSale, r.Plaintiff, r.Link, r.NoticeID,
	}
}

// idPattern matches the identifier embedded in a row's view action, e.g.
// javascript:location.href='Details.aspx?SID=...&ID=852667'.
var idPattern = regexp.MustCompile(`ID=([0-9]+)`)

// ParseID extracts the notice identifier from a row's action metadata or a
// detail page URL. The second return is false when no identifier is present;
// such rows are still visited, just not dedup-tracked.
func ParseID(s string) (string, bool) {
	m := idPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}
