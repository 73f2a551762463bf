// Package sqlsource runs row queries directly against a MySQL database.
//
// It implements query.Querier, letting a cache read rows from the database
// while batches still go through a tabsync server.
package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/maruel/tabsync/internal/query"
)

// Source is a query.Querier backed by a database.
type Source struct {
	db  *sql.DB
	log *slog.Logger
}

// Open connects to the MySQL database described by dsn, for example
// "user:password@tcp(host:3306)/db". Times are read as UTC time.Time.
func Open(dsn string, log *slog.Logger) (*Source, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(conn)
	db.SetConnMaxIdleTime(60 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)
	return New(db, log), nil
}

// New wraps an opened database.
func New(db *sql.DB, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{db: db, log: log}
}

// Ping verifies the connection.
func (s *Source) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Source) Close() error {
	return s.db.Close()
}

// Query implements query.Querier.
func (s *Source) Query(ctx context.Context, q *query.Query) iter.Seq2[query.Record, error] {
	stmt, args, err := Render(q)
	if err != nil {
		return query.Error(err)
	}
	return func(yield func(query.Record, error) bool) {
		s.log.Debug("Query", "table", q.Table, "sql", stmt)
		rows, err := s.db.QueryContext(ctx, stmt, args...)
		if err != nil {
			yield(nil, fmt.Errorf("failed to query %s: %w", q.Table, err))
			return
		}
		defer func() {
			_ = rows.Close()
		}()
		for rows.Next() {
			rec := make(query.Record, len(q.Columns))
			ptrs := make([]any, len(rec))
			for i := range rec {
				ptrs[i] = &rec[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				yield(nil, fmt.Errorf("failed to scan %s: %w", q.Table, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to read %s: %w", q.Table, err))
		}
	}
}
