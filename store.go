package quotaledger

import "context"

// Store persists quota records and their audit log.
//
// Records can only be written through the Tx handed to a transaction callback,
// so every balance change goes through the Engine.
type Store interface {
	// WithSerializableTransaction runs fn in a transaction that is serializable
	// with respect to key. If fn returns an error nothing it wrote is kept.
	// Conflicts detected by the backend are reported as ErrTransactionConflict.
	WithSerializableTransaction(ctx context.Context, key Key, fn func(tx Tx) error) error

	// History returns the audit entries for key in commit order.
	History(ctx context.Context, key Key) ([]AuditEntry, error)
}

// Tx is a transaction scoped to a single key.
type Tx interface {
	// Load returns the record, or ok=false if none exists yet.
	Load(ctx context.Context) (rec Record, ok bool, err error)

	// Save creates or replaces the record.
	Save(ctx context.Context, rec Record) error

	// AppendAudit adds an entry that commits together with the record.
	AppendAudit(ctx context.Context, entry AuditEntry) error
}
