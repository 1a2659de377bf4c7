package quotaledger

import "time"

// Bucket names a category of rate-limited resource tracked per user.
type Bucket string

const (
	BucketLearningInteractions Bucket = "LEARNING_INTERACTIONS"
	BucketAutoExplain          Bucket = "AUTO_EXPLAIN"
)

// Buckets returns every known bucket in a stable order.
func Buckets() []Bucket {
	return []Bucket{BucketLearningInteractions, BucketAutoExplain}
}

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	switch b {
	case BucketLearningInteractions, BucketAutoExplain:
		return true
	default:
		return false
	}
}

// Key identifies a single quota balance.
type Key struct {
	UserID string
	Bucket Bucket
}

func (k Key) String() string {
	return k.UserID + ":" + string(k.Bucket)
}

// Record is the persisted balance of one (user, bucket) pair.
type Record struct {
	UserID    string    `json:"userId"`
	Bucket    Bucket    `json:"bucket"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	ResetAt   time.Time `json:"resetAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Key returns the record's key.
func (r Record) Key() Key {
	return Key{UserID: r.UserID, Bucket: r.Bucket}
}

// Remaining returns Limit-Used, floored at 0.
func (r Record) Remaining() int64 {
	if r.Used >= r.Limit {
		return 0
	}
	return r.Limit - r.Used
}

// Reason classifies an audit entry.
type Reason string

const (
	ReasonConsume     Reason = "CONSUME"
	ReasonRefund      Reason = "REFUND"
	ReasonSystemReset Reason = "SYSTEM_RESET"
	ReasonAdminAdjust Reason = "ADMIN_ADJUST"
)

// Metadata is free-form context attached to an audit entry.
// Values are sanitized with SanitizeMetadata before they reach a Store.
type Metadata map[string]any

// AuditEntry is an immutable record of one balance-changing event.
type AuditEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Bucket    Bucket    `json:"bucket"`
	Change    int64     `json:"change"`
	Reason    Reason    `json:"reason"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"createdAt"`
}

// CheckResult is the outcome of Engine.Check.
type CheckResult struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
}

// ConsumeResult is the outcome of Engine.Consume.
// Success=false is the ordinary "no quota left" answer, not an error.
type ConsumeResult struct {
	Success   bool  `json:"success"`
	Remaining int64 `json:"remaining"`
}
