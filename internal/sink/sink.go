// Package sink persists finalized notice records as they are produced.
package sink

import "github.com/lienwatch/noticecrawl/internal/notice"

// Sink is the durable output destination for finalized records. Write
// failures never abort a run; the crawl controller degrades to an in-memory
// fallback list so the run can still report complete results.
type Sink interface {
	// Write appends one record and flushes it before returning.
	Write(rec notice.Record) error
	// Destination names where records end up, for the run summary.
	Destination() string
	Close() error
}
