package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lienwatch/noticecrawl/internal/notice"
)

// PgConn is the subset of pgxpool.Pool the sink needs; pgxmock satisfies it
// in tests.
type PgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresSink mirrors every record into a relational table in addition to
// the primary file output. One INSERT per record keeps the same
// flush-per-record durability contract as the file sink.
type PostgresSink struct {
	conn    PgConn
	close   func()
	runID   string
	dsn     string
	written int
	logger  *zap.Logger
}

const insertNoticeSQL = `
	INSERT INTO notices (
		run_id, notice_id, first_name, last_name, street, city,
		state, zip, date_of_sale, plaintiff, link, scraped_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (run_id, notice_id) DO NOTHING`

// NewPostgresSink connects to the database and pings it. The table is
// expected to exist; schema management is deliberately out of scope.
func NewPostgresSink(ctx context.Context, dsn, runID string, logger *zap.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresSink{
		conn:   pool,
		close:  pool.Close,
		runID:  runID,
		dsn:    dsn,
		logger: logger,
	}, nil
}

// NewPostgresSinkWithConn builds a sink over an existing connection. Used by
// tests with pgxmock.
func NewPostgresSinkWithConn(conn PgConn, runID string, logger *zap.Logger) *PostgresSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSink{conn: conn, close: func() {}, runID: runID, logger: logger}
}

// Write inserts one record. Duplicate (run, notice) pairs are ignored so a
// re-fetch that slips past the per-page tracker cannot double-insert.
func (s *PostgresSink) Write(rec notice.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.conn.Exec(ctx, insertNoticeSQL,
		s.runID, rec.NoticeID, rec.FirstName, rec.LastName, rec.Street,
		rec.City, rec.State, rec.Zip, rec.DateOfSale, rec.Plaintiff,
		rec.Link, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert notice: %w", err)
	}
	s.written++
	return nil
}

// Destination identifies the database target for the run summary.
func (s *PostgresSink) Destination() string {
	return "postgres run " + s.runID
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	s.close()
	s.logger.Info("postgres sink closed", zap.Int("records", s.written))
	return nil
}
