package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Dialects understood by sqlStore.
const (
	dialectSQLite   = "sqlite3"
	dialectPostgres = "postgres"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with '?' placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	dialect string
}

// rebind converts '?' placeholders to '$n' for PostgreSQL.
func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("sqlStore.inTx: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "dialect", s.dialect)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "dialect", s.dialect, "error", err)
	} else {
		slog.Debug("Database connection closed successfully", "dialect", s.dialect)
	}
	return err
}

// DB exposes the underlying connection pool (used by the advisory lock).
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// toJSON encodes v for a JSON/TEXT column. Nil maps and slices become NULL.
func toJSON(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		if t == nil {
			return nil, nil
		}
	case map[string]string:
		if t == nil {
			return nil, nil
		}
	case []string:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}
	return string(b), nil
}

// fromJSON decodes a nullable JSON column into dst. Empty values leave dst untouched.
func fromJSON(src sql.NullString, dst interface{}) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("json decode failed: %w", err)
	}
	return nil
}

// limitOrDefault clamps list limits.
func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
