package quotaledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine is the only component that reads or writes quota balances.
// It is safe for concurrent use.
type Engine struct {
	store      Store
	limits     map[Bucket]int64
	loc        *time.Location
	now        func() time.Time
	meter      Meter
	logger     *zap.Logger
	retries    int
	newAuditID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefaultLimits sets the limit new records are created with.
func WithDefaultLimits(limits map[Bucket]int64) Option {
	return func(e *Engine) {
		for b, l := range limits {
			e.limits[b] = l
		}
	}
}

// WithLocation sets the timezone monthly boundaries are computed in (default UTC).
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithConflictRetries re-runs a transaction that failed with
// ErrTransactionConflict up to n more times, starting from a fresh read.
// The default is 0: conflicts are returned to the caller.
func WithConflictRetries(n int) Option {
	return func(e *Engine) { e.retries = n }
}

// New creates an Engine on top of store. Every bucket must have a positive
// default limit, supplied via WithDefaultLimits or Config.EngineOptions.
func New(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("quotaledger: store is required")
	}

	e := &Engine{
		store:      store,
		limits:     make(map[Bucket]int64),
		newAuditID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}

	// Apply defaults after options.
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.meter == nil {
		e.meter = noopMeter{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.retries < 0 {
		e.retries = 0
	}

	for _, b := range Buckets() {
		if e.limits[b] <= 0 {
			return nil, fmt.Errorf("quotaledger: default limit for %s must be positive, got %d", b, e.limits[b])
		}
	}
	for b := range e.limits {
		if !b.Valid() {
			return nil, fmt.Errorf("quotaledger: default limits: %w %q", ErrUnknownBucket, b)
		}
	}

	return e, nil
}

// DefaultLimit returns the limit new records in bucket start with.
func (e *Engine) DefaultLimit(bucket Bucket) int64 {
	return e.limits[bucket]
}

// GetOrCreate returns the record for (userID, bucket), creating it if absent
// and resetting it first if its reset instant has passed.
func (e *Engine) GetOrCreate(ctx context.Context, userID string, bucket Bucket) (Record, error) {
	const op = "get_or_create"
	if err := validateKey(userID, bucket); err != nil {
		return Record{}, e.wrap(op, userID, bucket, err)
	}

	var rec Record
	err := e.run(ctx, op, Key{UserID: userID, Bucket: bucket}, func(t *txn) error {
		var err error
		rec, err = t.resolve()
		return err
	})
	if err != nil {
		return Record{}, e.wrap(op, userID, bucket, err)
	}
	return rec, nil
}

// Check reports whether amount units are available without consuming them.
func (e *Engine) Check(ctx context.Context, userID string, bucket Bucket, amount int64) (CheckResult, error) {
	const op = "check"
	if err := validateKey(userID, bucket); err != nil {
		return CheckResult{}, e.wrap(op, userID, bucket, err)
	}
	if amount < 0 {
		return CheckResult{}, e.wrap(op, userID, bucket, ErrInvalidAmount)
	}

	rec, err := e.GetOrCreate(ctx, userID, bucket)
	if err != nil {
		return CheckResult{}, err
	}

	remaining := rec.Remaining()
	return CheckResult{Allowed: remaining >= amount, Remaining: remaining}, nil
}

// Consume atomically takes amount units from the balance. If that would
// exceed the limit nothing is written and Success is false.
// An amount <= 0 only reports the current remaining balance; Success is
// then true only while some quota is left.
func (e *Engine) Consume(ctx context.Context, userID string, bucket Bucket, amount int64, md Metadata) (ConsumeResult, error) {
	const op = "consume"
	start := e.now()

	res, err := e.consume(ctx, userID, bucket, amount, md)
	if err != nil {
		err = e.wrap(op, userID, bucket, err)
	}

	if amount > 0 {
		e.meter.OnConsume(ConsumeEvent{
			UserID:    userID,
			Bucket:    bucket,
			Amount:    amount,
			Success:   res.Success,
			Remaining: res.Remaining,
			Duration:  e.now().Sub(start),
			Error:     err,
		})
	}
	return res, err
}

func (e *Engine) consume(ctx context.Context, userID string, bucket Bucket, amount int64, md Metadata) (ConsumeResult, error) {
	if err := validateKey(userID, bucket); err != nil {
		return ConsumeResult{}, err
	}
	key := Key{UserID: userID, Bucket: bucket}

	if amount <= 0 {
		remaining, err := e.peekRemaining(ctx, key)
		if err != nil {
			return ConsumeResult{}, err
		}
		return ConsumeResult{Success: remaining > 0, Remaining: remaining}, nil
	}

	var res ConsumeResult
	err := e.run(ctx, "consume", key, func(t *txn) error {
		rec, err := t.resolve()
		if err != nil {
			return err
		}

		newUsed := rec.Used + amount
		if newUsed > rec.Limit {
			res = ConsumeResult{Success: false, Remaining: rec.Remaining()}
			return nil
		}

		rec.Used = newUsed
		rec.UpdatedAt = t.now
		if err := t.Save(t.ctx, rec); err != nil {
			return err
		}
		if err := t.audit(-amount, ReasonConsume, mergeMetadata(md, Metadata{
			"amount":       amount,
			"previousUsed": rec.Used - amount,
		})); err != nil {
			return err
		}

		res = ConsumeResult{Success: true, Remaining: rec.Limit - newUsed}
		return nil
	})
	if err != nil {
		return ConsumeResult{}, err
	}
	return res, nil
}

// peekRemaining reads the balance without creating, resetting or auditing anything.
func (e *Engine) peekRemaining(ctx context.Context, key Key) (int64, error) {
	var remaining int64
	err := e.store.WithSerializableTransaction(ctx, key, func(tx Tx) error {
		rec, ok, err := tx.Load(ctx)
		if err != nil {
			return err
		}
		switch {
		case !ok:
			remaining = e.limits[key.Bucket]
		case IsDue(rec, e.now()):
			remaining = rec.Limit
		default:
			remaining = rec.Remaining()
		}
		return nil
	})
	return remaining, err
}

// Refund gives amount units back, never taking Used below zero.
// Refunding a record that does not exist, or a non-positive amount, is a logged no-op.
func (e *Engine) Refund(ctx context.Context, userID string, bucket Bucket, amount int64, md Metadata) error {
	const op = "refund"
	if err := validateKey(userID, bucket); err != nil {
		return e.wrap(op, userID, bucket, err)
	}
	if amount <= 0 {
		e.logger.Info("refund ignored: non-positive amount",
			zap.String("user_id", userID),
			zap.String("bucket", string(bucket)),
			zap.Int64("amount", amount),
		)
		return nil
	}

	err := e.run(ctx, op, Key{UserID: userID, Bucket: bucket}, func(t *txn) error {
		_, ok, err := t.Load(t.ctx)
		if err != nil {
			return err
		}
		if !ok {
			e.logger.Warn("refund ignored: no quota record",
				zap.String("user_id", userID),
				zap.String("bucket", string(bucket)),
				zap.Int64("amount", amount),
			)
			return nil
		}

		rec, err := t.resolve()
		if err != nil {
			return err
		}

		previous := rec.Used
		rec.Used -= amount
		if rec.Used < 0 {
			rec.Used = 0
		}
		rec.UpdatedAt = t.now
		if err := t.Save(t.ctx, rec); err != nil {
			return err
		}
		return t.audit(amount, ReasonRefund, mergeMetadata(md, Metadata{
			"amount":       amount,
			"previousUsed": previous,
		}))
	})
	if err != nil {
		return e.wrap(op, userID, bucket, err)
	}
	return nil
}

// Reset zeroes the balance and schedules the next reset, creating the record
// if needed. Calling it twice in a row leaves the same record.
func (e *Engine) Reset(ctx context.Context, userID string, bucket Bucket) (Record, error) {
	const op = "reset"
	if err := validateKey(userID, bucket); err != nil {
		return Record{}, e.wrap(op, userID, bucket, err)
	}

	var rec Record
	err := e.run(ctx, op, Key{UserID: userID, Bucket: bucket}, func(t *txn) error {
		current, ok, err := t.Load(t.ctx)
		if err != nil {
			return err
		}
		if !ok {
			current = t.fresh()
		}
		rec, err = t.reset(current, "manual")
		return err
	})
	if err != nil {
		return Record{}, e.wrap(op, userID, bucket, err)
	}
	return rec, nil
}

// Adjust changes the limit of a balance. Used is left untouched.
func (e *Engine) Adjust(ctx context.Context, userID string, bucket Bucket, newLimit int64, adminID, reason string) error {
	const op = "adjust"
	if err := validateKey(userID, bucket); err != nil {
		return e.wrap(op, userID, bucket, err)
	}
	if newLimit <= 0 {
		return e.wrap(op, userID, bucket, ErrInvalidLimit)
	}
	if adminID == "" {
		return e.wrap(op, userID, bucket, ErrMissingAdminID)
	}

	err := e.run(ctx, op, Key{UserID: userID, Bucket: bucket}, func(t *txn) error {
		rec, err := t.resolve()
		if err != nil {
			return err
		}

		previous := rec.Limit
		rec.Limit = newLimit
		rec.UpdatedAt = t.now
		if err := t.Save(t.ctx, rec); err != nil {
			return err
		}
		return t.audit(newLimit-previous, ReasonAdminAdjust, Metadata{
			"adminId":       adminID,
			"reason":        reason,
			"previousLimit": previous,
			"newLimit":      newLimit,
		})
	})
	if err != nil {
		return e.wrap(op, userID, bucket, err)
	}
	return nil
}

// History returns the audit trail of (userID, bucket) in commit order.
func (e *Engine) History(ctx context.Context, userID string, bucket Bucket) ([]AuditEntry, error) {
	const op = "history"
	if err := validateKey(userID, bucket); err != nil {
		return nil, e.wrap(op, userID, bucket, err)
	}
	entries, err := e.store.History(ctx, Key{UserID: userID, Bucket: bucket})
	if err != nil {
		return nil, e.wrap(op, userID, bucket, err)
	}
	return entries, nil
}

// run executes fn in a serializable transaction, retrying on conflict as configured.
// Audit events reach the meter only after a successful commit.
func (e *Engine) run(ctx context.Context, op string, key Key, fn func(t *txn) error) error {
	var err error
	for attempt := 0; attempt <= e.retries; attempt++ {
		var t *txn
		err = e.store.WithSerializableTransaction(ctx, key, func(tx Tx) error {
			t = &txn{Tx: tx, ctx: ctx, key: key, now: e.now(), engine: e}
			return fn(t)
		})
		if err == nil {
			if t != nil {
				for _, entry := range t.entries {
					e.meter.OnAudit(AuditEvent{Op: op, Entry: entry})
				}
			}
			return nil
		}
		if !errors.Is(err, ErrTransactionConflict) || ctx.Err() != nil {
			return err
		}
		e.logger.Debug("transaction conflict",
			zap.String("op", op),
			zap.String("key", key.String()),
			zap.Int("attempt", attempt+1),
		)
	}
	return err
}

func (e *Engine) wrap(op, userID string, bucket Bucket, err error) error {
	var ee *Error
	if errors.As(err, &ee) {
		return err
	}
	return &Error{Op: op, UserID: userID, Bucket: bucket, Err: err}
}

func validateKey(userID string, bucket Bucket) error {
	if userID == "" {
		return ErrMissingUserID
	}
	if !bucket.Valid() {
		return fmt.Errorf("%w %q", ErrUnknownBucket, bucket)
	}
	return nil
}

// txn is the engine's view of one store transaction.
type txn struct {
	Tx
	ctx     context.Context
	key     Key
	now     time.Time
	engine  *Engine
	entries []AuditEntry
}

func (t *txn) fresh() Record {
	return Record{
		UserID:    t.key.UserID,
		Bucket:    t.key.Bucket,
		Used:      0,
		Limit:     t.engine.limits[t.key.Bucket],
		ResetAt:   NextMonthBoundary(t.now, t.engine.loc),
		CreatedAt: t.now,
		UpdatedAt: t.now,
	}
}

// resolve loads the record, creating it if absent and lazily resetting it if due.
func (t *txn) resolve() (Record, error) {
	rec, ok, err := t.Load(t.ctx)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		rec = t.fresh()
		if err := t.Save(t.ctx, rec); err != nil {
			return Record{}, err
		}
		return rec, nil
	}
	if IsDue(rec, t.now) {
		t.engine.logger.Debug("lazy reset",
			zap.String("key", t.key.String()),
			zap.Int64("previous_used", rec.Used),
			zap.Time("reset_at", rec.ResetAt),
		)
		return t.reset(rec, "lazy")
	}
	return rec, nil
}

func (t *txn) reset(rec Record, trigger string) (Record, error) {
	previousUsed := rec.Used
	previousResetAt := rec.ResetAt

	rec.Used = 0
	rec.ResetAt = NextMonthBoundary(t.now, t.engine.loc)
	rec.UpdatedAt = t.now
	if err := t.Save(t.ctx, rec); err != nil {
		return Record{}, err
	}
	err := t.audit(0, ReasonSystemReset, Metadata{
		"previousUsed":    previousUsed,
		"previousResetAt": previousResetAt.UTC().Format(time.RFC3339Nano),
		"trigger":         trigger,
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (t *txn) audit(change int64, reason Reason, md Metadata) error {
	entry := AuditEntry{
		ID:        t.engine.newAuditID(),
		UserID:    t.key.UserID,
		Bucket:    t.key.Bucket,
		Change:    change,
		Reason:    reason,
		Metadata:  md,
		CreatedAt: t.now,
	}
	if err := t.AppendAudit(t.ctx, entry); err != nil {
		if IsClassified(err) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}
	t.entries = append(t.entries, entry)
	return nil
}
