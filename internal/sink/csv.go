package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lienwatch/noticecrawl/internal/notice"
)

// CSVSink streams records to a delimited file, one flush per record.
// Durability beats throughput here: a long crawl that dies mid-run must not
// lose the batch written so far.
type CSVSink struct {
	file    *os.File
	writer  *csv.Writer
	path    string
	written int
	logger  *zap.Logger
}

// Filename derives the output name from the search's target date rather
// than wall-clock time, so reruns against the same day are discoverable.
func Filename(searchDate time.Time) string {
	return fmt.Sprintf("mn_notices_%s.csv", searchDate.Format("2006-01-02"))
}

// NewCSVSink creates the output directory if needed, opens the file, and
// writes the header immediately. The header is present even for a
// zero-record run.
func NewCSVSink(dir string, searchDate time.Time, logger *zap.Logger) (*CSVSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	path := filepath.Join(dir, Filename(searchDate))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	w := csv.NewWriter(file)
	if err := w.Write(notice.Columns); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return nil, fmt.Errorf("flush header: %w", err)
	}

	logger.Info("output file initialized", zap.String("path", path))
	return &CSVSink{file: file, writer: w, path: path, logger: logger}, nil
}

// Write appends one record and flushes it to disk before returning.
func (s *CSVSink) Write(rec notice.Record) error {
	if err := s.writer.Write(rec.Row()); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync record: %w", err)
	}
	s.written++
	return nil
}

// Written returns the number of records flushed so far.
func (s *CSVSink) Written() int {
	return s.written
}

// Destination returns the output file path.
func (s *CSVSink) Destination() string {
	return s.path
}

// Close flushes and closes the file.
func (s *CSVSink) Close() error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return fmt.Errorf("final flush: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	s.logger.Info("output file closed",
		zap.String("path", s.path),
		zap.Int("records", s.written),
	)
	return nil
}
