// Package sqlite provides an embedded SQLite-backed Store for quotaledger.
//
// Transactions are opened with BEGIN IMMEDIATE, so a writer holds the database
// write lock from its first read; SQLite itself is serializable. Open limits
// the pool to one connection, which makes concurrent callers queue in
// database/sql instead of failing with SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ineyio/quotaledger"
)

// Store is a SQLite-backed Store.
type Store struct {
	db          *sql.DB
	tablePrefix string
}

var _ quotaledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotaledger_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// Open opens (creating if needed) the database file at path and ensures the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("quotaledger/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := New(db, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. The DSN should set _txlock=immediate.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		tablePrefix: "quotaledger_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database file is usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("quotaledger/sqlite: ping: %w", classify(err))
	}
	return nil
}

func (s *Store) recordsTable() string { return s.tablePrefix + "records" }
func (s *Store) auditTable() string   { return s.tablePrefix + "audit" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT NOT NULL,
			bucket TEXT NOT NULL,
			used INTEGER NOT NULL DEFAULT 0 CHECK (used >= 0),
			quota_limit INTEGER NOT NULL CHECK (quota_limit > 0),
			reset_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, bucket)
		)`, s.recordsTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			bucket TEXT NOT NULL,
			change INTEGER NOT NULL,
			reason TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`, s.auditTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_key_idx ON %[1]s (user_id, bucket, seq)`, s.auditTable()),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("quotaledger/sqlite: ensure schema: %w", classify(err))
		}
	}
	return nil
}

// WithSerializableTransaction runs fn inside an immediate transaction.
func (s *Store) WithSerializableTransaction(ctx context.Context, key quotaledger.Key, fn func(tx quotaledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("quotaledger/sqlite: begin tx: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{store: s, tx: tx, key: key}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("quotaledger/sqlite: commit: %w", classify(err))
	}
	return nil
}

// History returns the audit entries for key in commit order.
// Metadata integers come back as int64, other numbers as float64.
func (s *Store) History(ctx context.Context, key quotaledger.Key) ([]quotaledger.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, change, reason, metadata, created_at FROM %s
			WHERE user_id = ? AND bucket = ? ORDER BY seq`, s.auditTable()),
		key.UserID, string(key.Bucket),
	)
	if err != nil {
		return nil, fmt.Errorf("quotaledger/sqlite: history: %w", classify(err))
	}
	defer rows.Close()

	var entries []quotaledger.AuditEntry
	for rows.Next() {
		var (
			e      quotaledger.AuditEntry
			reason string
			md     string
			at     int64
		)
		if err := rows.Scan(&e.ID, &e.Change, &reason, &md, &at); err != nil {
			return nil, fmt.Errorf("quotaledger/sqlite: scan history: %w", classify(err))
		}
		if err := json.Unmarshal([]byte(md), &e.Metadata); err != nil {
			return nil, fmt.Errorf("quotaledger/sqlite: decode metadata of %s: %w: %w", e.ID, quotaledger.ErrStoreUnavailable, err)
		}
		e.UserID = key.UserID
		e.Bucket = key.Bucket
		e.Reason = quotaledger.Reason(reason)
		e.CreatedAt = time.Unix(0, at).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotaledger/sqlite: history: %w", classify(err))
	}
	return entries, nil
}

type sqliteTx struct {
	store *Store
	tx    *sql.Tx
	key   quotaledger.Key
}

func (t *sqliteTx) Load(ctx context.Context) (quotaledger.Record, bool, error) {
	rec := quotaledger.Record{UserID: t.key.UserID, Bucket: t.key.Bucket}
	var resetAt, createdAt, updatedAt int64
	err := t.tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT used, quota_limit, reset_at, created_at, updated_at FROM %s
			WHERE user_id = ? AND bucket = ?`, t.store.recordsTable()),
		t.key.UserID, string(t.key.Bucket),
	).Scan(&rec.Used, &rec.Limit, &resetAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return quotaledger.Record{}, false, nil
	}
	if err != nil {
		return quotaledger.Record{}, false, fmt.Errorf("quotaledger/sqlite: load: %w", classify(err))
	}
	rec.ResetAt = time.Unix(0, resetAt).UTC()
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, true, nil
}

func (t *sqliteTx) Save(ctx context.Context, rec quotaledger.Record) error {
	_, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, bucket, used, quota_limit, reset_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, bucket) DO UPDATE
			SET used = excluded.used, quota_limit = excluded.quota_limit,
				reset_at = excluded.reset_at, updated_at = excluded.updated_at`, t.store.recordsTable()),
		t.key.UserID, string(t.key.Bucket), rec.Used, rec.Limit,
		rec.ResetAt.UnixNano(), rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("quotaledger/sqlite: save: %w", classify(err))
	}
	return nil
}

func (t *sqliteTx) AppendAudit(ctx context.Context, e quotaledger.AuditEntry) error {
	md := e.Metadata
	if md == nil {
		md = quotaledger.Metadata{}
	}
	payload, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("quotaledger/sqlite: encode metadata: %w: %w", quotaledger.ErrAuditWrite, err)
	}

	_, err = t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, bucket, change, reason, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, t.store.auditTable()),
		e.ID, e.UserID, string(e.Bucket), e.Change, string(e.Reason), string(payload), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("quotaledger/sqlite: append audit: %w: %w", quotaledger.ErrAuditWrite, classify(err))
	}
	return nil
}

// classify maps driver errors onto quotaledger sentinels.
func classify(err error) error {
	if err == nil || quotaledger.IsClassified(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", quotaledger.ErrTransactionConflict, err)
		}
	}
	return fmt.Errorf("%w: %w", quotaledger.ErrStoreUnavailable, err)
}
