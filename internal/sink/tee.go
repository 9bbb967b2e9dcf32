package sink

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lienwatch/noticecrawl/internal/notice"
)

// Tee writes every record to a primary sink and mirrors it to a secondary
// one. Only primary failures propagate; the mirror is best effort and a
// broken mirror must not cost records in the primary output.
type Tee struct {
	primary   Sink
	secondary Sink
	logger    *zap.Logger
}

// NewTee wraps primary and secondary.
func NewTee(primary, secondary Sink, logger *zap.Logger) *Tee {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tee{primary: primary, secondary: secondary, logger: logger}
}

// Write appends to both sinks.
func (t *Tee) Write(rec notice.Record) error {
	if err := t.secondary.Write(rec); err != nil {
		t.logger.Warn("secondary sink write failed",
			zap.String("notice_id", rec.NoticeID),
			zap.Error(err),
		)
	}
	if err := t.primary.Write(rec); err != nil {
		return fmt.Errorf("primary sink: %w", err)
	}
	return nil
}

// Destination reports the primary destination.
func (t *Tee) Destination() string {
	return t.primary.Destination()
}

// Close closes both sinks, preferring the primary's error.
func (t *Tee) Close() error {
	serr := t.secondary.Close()
	if err := t.primary.Close(); err != nil {
		return fmt.Errorf("close primary sink: %w", err)
	}
	if serr != nil {
		t.logger.Warn("secondary sink close failed", zap.Error(serr))
	}
	return nil
}
