// Package redis provides a Redis-backed Store for quotaledger.
//
// Each record is a hash; its audit log is a list of JSON entries. A transaction
// WATCHes the record hash, reads it, and writes the hash and the audit append
// in one MULTI/EXEC. If another client touched the hash in between, EXEC
// aborts and the call fails with quotaledger.ErrTransactionConflict.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotaledger"
)

// Store is a Redis-backed Store.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
}

var _ quotaledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "quotaledger:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed Store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
// Record and audit keys of one quota share a hash tag, so they land on the same cluster slot.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "quotaledger:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordKey(key quotaledger.Key) string {
	return s.keyPrefix + "{" + key.String() + "}:record"
}

func (s *Store) auditKey(key quotaledger.Key) string {
	return s.keyPrefix + "{" + key.String() + "}:audit"
}

// Ping checks that Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("quotaledger/redis: ping: %w: %w", quotaledger.ErrStoreUnavailable, err)
	}
	return nil
}

// WithSerializableTransaction runs fn under WATCH on the record hash.
func (s *Store) WithSerializableTransaction(ctx context.Context, key quotaledger.Key, fn func(tx quotaledger.Tx) error) error {
	rk := s.recordKey(key)

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		rtx := &redisTx{store: s, tx: tx, key: key}
		if err := fn(rtx); err != nil {
			return err
		}
		if rtx.record == nil && len(rtx.entries) == 0 {
			return nil
		}

		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if rtx.record != nil {
				pipe.HSet(ctx, rk, recordFields(*rtx.record)...)
			}
			for _, payload := range rtx.entries {
				pipe.RPush(ctx, s.auditKey(key), payload)
			}
			return nil
		})
		return err
	}, rk)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.TxFailedErr):
		return fmt.Errorf("quotaledger/redis: exec: %w", quotaledger.ErrTransactionConflict)
	case quotaledger.IsClassified(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("quotaledger/redis: transaction: %w: %w", quotaledger.ErrStoreUnavailable, err)
	}
}

// History returns the audit entries for key in commit order.
// Metadata integers come back as int64, other numbers as float64.
func (s *Store) History(ctx context.Context, key quotaledger.Key) ([]quotaledger.AuditEntry, error) {
	vals, err := s.client.LRange(ctx, s.auditKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("quotaledger/redis: history: %w: %w", quotaledger.ErrStoreUnavailable, err)
	}

	entries := make([]quotaledger.AuditEntry, 0, len(vals))
	for _, v := range vals {
		var e quotaledger.AuditEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("quotaledger/redis: decode audit entry: %w: %w", quotaledger.ErrStoreUnavailable, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

type redisTx struct {
	store   *Store
	tx      *goredis.Tx
	key     quotaledger.Key
	record  *quotaledger.Record
	entries []string
}

func (t *redisTx) Load(ctx context.Context) (quotaledger.Record, bool, error) {
	if t.record != nil {
		return *t.record, true, nil
	}

	vals, err := t.tx.HGetAll(ctx, t.store.recordKey(t.key)).Result()
	if err != nil {
		return quotaledger.Record{}, false, fmt.Errorf("quotaledger/redis: load: %w: %w", quotaledger.ErrStoreUnavailable, err)
	}
	if len(vals) == 0 {
		return quotaledger.Record{}, false, nil
	}

	rec, err := parseRecord(t.key, vals)
	if err != nil {
		return quotaledger.Record{}, false, fmt.Errorf("quotaledger/redis: load: %w", err)
	}
	return rec, true, nil
}

func (t *redisTx) Save(_ context.Context, rec quotaledger.Record) error {
	t.record = &rec
	return nil
}

func (t *redisTx) AppendAudit(_ context.Context, e quotaledger.AuditEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("quotaledger/redis: encode audit entry: %w: %w", quotaledger.ErrAuditWrite, err)
	}
	t.entries = append(t.entries, string(payload))
	return nil
}

func recordFields(rec quotaledger.Record) []any {
	return []any{
		"used", rec.Used,
		"limit", rec.Limit,
		"reset_at", rec.ResetAt.UnixNano(),
		"created_at", rec.CreatedAt.UnixNano(),
		"updated_at", rec.UpdatedAt.UnixNano(),
	}
}

func parseRecord(key quotaledger.Key, vals map[string]string) (quotaledger.Record, error) {
	rec := quotaledger.Record{UserID: key.UserID, Bucket: key.Bucket}

	ints := map[string]*int64{"used": &rec.Used, "limit": &rec.Limit}
	for field, dst := range ints {
		v, err := strconv.ParseInt(vals[field], 10, 64)
		if err != nil {
			return quotaledger.Record{}, fmt.Errorf("parse %s: %w", field, err)
		}
		*dst = v
	}

	times := map[string]*time.Time{"reset_at": &rec.ResetAt, "created_at": &rec.CreatedAt, "updated_at": &rec.UpdatedAt}
	for field, dst := range times {
		v, err := strconv.ParseInt(vals[field], 10, 64)
		if err != nil {
			return quotaledger.Record{}, fmt.Errorf("parse %s: %w", field, err)
		}
		*dst = time.Unix(0, v).UTC()
	}
	return rec, nil
}
