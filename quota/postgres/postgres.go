// Package postgres provides a PostgreSQL-backed Store for quotaledger.
//
// Records and audit entries live in two tables written in one SERIALIZABLE
// transaction, so the balance and its audit trail commit together. The record
// row is also locked with SELECT ... FOR UPDATE, which turns most concurrent
// consumers on one key into waiters instead of serialization failures.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotaledger"
)

// Store is a PostgreSQL-backed Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ quotaledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotaledger_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "quotaledger_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordsTable() string { return s.tablePrefix + "records" }
func (s *Store) auditTable() string   { return s.tablePrefix + "audit" }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("quotaledger/postgres: ping: %w", classify(err))
	}
	return nil
}

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			user_id TEXT NOT NULL,
			bucket TEXT NOT NULL,
			used BIGINT NOT NULL DEFAULT 0 CHECK (used >= 0),
			quota_limit BIGINT NOT NULL CHECK (quota_limit > 0),
			reset_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, bucket)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			seq BIGSERIAL PRIMARY KEY,
			id UUID NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			bucket TEXT NOT NULL,
			change BIGINT NOT NULL,
			reason TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_key_idx ON %[2]s (user_id, bucket, seq);
	`, s.recordsTable(), s.auditTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("quotaledger/postgres: ensure schema: %w", classify(err))
	}
	return nil
}

// WithSerializableTransaction runs fn inside a SERIALIZABLE transaction.
func (s *Store) WithSerializableTransaction(ctx context.Context, key quotaledger.Key, fn func(tx quotaledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("quotaledger/postgres: begin tx: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{store: s, tx: tx, key: key}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("quotaledger/postgres: commit: %w", classify(err))
	}
	return nil
}

// History returns the audit entries for key in commit order.
// Metadata integers come back as int64, other numbers as float64.
func (s *Store) History(ctx context.Context, key quotaledger.Key) ([]quotaledger.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, change, reason, metadata, created_at FROM %s
			WHERE user_id = $1 AND bucket = $2 ORDER BY seq`, s.auditTable()),
		key.UserID, string(key.Bucket),
	)
	if err != nil {
		return nil, fmt.Errorf("quotaledger/postgres: history: %w", classify(err))
	}
	defer rows.Close()

	var entries []quotaledger.AuditEntry
	for rows.Next() {
		var (
			id     string
			change int64
			reason string
			raw    []byte
			md     quotaledger.Metadata
			at     time.Time
		)
		if err := rows.Scan(&id, &change, &reason, &raw, &at); err != nil {
			return nil, fmt.Errorf("quotaledger/postgres: scan history: %w", classify(err))
		}
		if err := json.Unmarshal(raw, &md); err != nil {
			return nil, fmt.Errorf("quotaledger/postgres: decode metadata of %s: %w: %w", id, quotaledger.ErrStoreUnavailable, err)
		}
		entries = append(entries, quotaledger.AuditEntry{
			ID:        id,
			UserID:    key.UserID,
			Bucket:    key.Bucket,
			Change:    change,
			Reason:    quotaledger.Reason(reason),
			Metadata:  md,
			CreatedAt: at,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotaledger/postgres: history: %w", classify(err))
	}
	return entries, nil
}

type pgTx struct {
	store *Store
	tx    pgx.Tx
	key   quotaledger.Key
}

func (t *pgTx) Load(ctx context.Context) (quotaledger.Record, bool, error) {
	rec := quotaledger.Record{UserID: t.key.UserID, Bucket: t.key.Bucket}
	err := t.tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT used, quota_limit, reset_at, created_at, updated_at FROM %s
			WHERE user_id = $1 AND bucket = $2 FOR UPDATE`, t.store.recordsTable()),
		t.key.UserID, string(t.key.Bucket),
	).Scan(&rec.Used, &rec.Limit, &rec.ResetAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return quotaledger.Record{}, false, nil
	}
	if err != nil {
		return quotaledger.Record{}, false, fmt.Errorf("quotaledger/postgres: load: %w", classify(err))
	}
	return rec, true, nil
}

func (t *pgTx) Save(ctx context.Context, rec quotaledger.Record) error {
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, bucket, used, quota_limit, reset_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, bucket) DO UPDATE
			SET used = $3, quota_limit = $4, reset_at = $5, updated_at = $7`, t.store.recordsTable()),
		t.key.UserID, string(t.key.Bucket), rec.Used, rec.Limit, rec.ResetAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("quotaledger/postgres: save: %w", classify(err))
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, e quotaledger.AuditEntry) error {
	md := map[string]any(e.Metadata)
	if md == nil {
		md = map[string]any{}
	}
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, bucket, change, reason, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, t.store.auditTable()),
		e.ID, e.UserID, string(e.Bucket), e.Change, string(e.Reason), md, e.CreatedAt,
	)
	if err != nil {
		err = classify(err)
		if errors.Is(err, quotaledger.ErrTransactionConflict) {
			return fmt.Errorf("quotaledger/postgres: append audit: %w", err)
		}
		return fmt.Errorf("quotaledger/postgres: append audit: %w: %w", quotaledger.ErrAuditWrite, err)
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
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %w", quotaledger.ErrTransactionConflict, err)
		case "23505": // unique_violation on concurrent first insert
			return fmt.Errorf("%w: %w", quotaledger.ErrTransactionConflict, err)
		}
	}
	return fmt.Errorf("%w: %w", quotaledger.ErrStoreUnavailable, err)
}
