// Package store implements persistence for users, conversations, messages,
// refresh tokens and the realtime outbox on database/sql. It speaks two
// dialects: PostgreSQL (pgx) for production and SQLite (modernc, CGo-free)
// for local development and tests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	sqlite "modernc.org/sqlite"
)

type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// SQLite extended result codes for constraint failures.
const (
	sqliteConstraintUnique     = 2067
	sqliteConstraintPrimaryKey = 1555
)

type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database named by databaseURL. postgres:// and
// postgresql:// URLs go through pgx; anything else is treated as a SQLite
// path (sqlite://relative/path, an absolute path, or :memory:).
func Open(databaseURL string) (*Store, error) {
	var (
		db  *sql.DB
		d   Dialect
		err error
	)
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		d = DialectPostgres
		db, err = sql.Open("pgx", databaseURL)
	default:
		d = DialectSQLite
		db, err = sql.Open("sqlite", sqliteDSN(databaseURL))
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if d == DialectPostgres {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(8)
		db.SetConnMaxLifetime(30 * time.Minute)
	} else {
		// WAL allows concurrent readers; writers serialize on the file lock.
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
	}

	return &Store{db: db, dialect: d}, nil
}

// sqliteDSN normalizes a configured SQLite location into a modernc DSN.
// _txlock=immediate takes the write lock at BEGIN instead of on first write,
// which keeps lock upgrades (and SQLITE_BUSY surprises) out of transactions.
func sqliteDSN(raw string) string {
	path := strings.TrimPrefix(raw, "sqlite://")
	if path == "" || path == ":memory:" {
		path = ":memory:"
	}
	params := "_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_time_format=sqlite" +
		"&_txlock=immediate"
	return "file:" + path + "?" + params
}

func newStoreWithDB(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d}
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// q rewrites ? placeholders into the $n form PostgreSQL expects. Queries are
// written once with ? and rebound per dialect.
func (s *Store) q(query string) string {
	if s.dialect != DialectPostgres {
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

// forUpdate appends a row lock on engines that have one. SQLite serializes
// writers at the database level, so the clause would be a syntax error there
// and is also unnecessary.
func (s *Store) forUpdate(query string) string {
	if s.dialect == DialectPostgres {
		return query + " FOR UPDATE"
	}
	return query
}

func (s *Store) forUpdateSkipLocked(query string) string {
	if s.dialect == DialectPostgres {
		return query + " FOR UPDATE SKIP LOCKED"
	}
	return query
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique (or primary key)
// constraint failure on either engine.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
	}
	return false
}

// placeholders returns "?, ?, ..." with n slots, for IN clauses.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(n * 3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('?')
	}
	return b.String()
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
