package quotaledger

import (
	"context"
	"math"
	"time"
)

// LowQuotaThreshold is the remaining/limit ratio below which a balance counts as low.
const LowQuotaThreshold = 0.20

// Status is the presentation state of a balance.
type Status string

const (
	StatusOK       Status = "ok"
	StatusLow      Status = "low"
	StatusExceeded Status = "exceeded"
)

// BucketStats is a display-ready view of one balance.
type BucketStats struct {
	Bucket     Bucket    `json:"bucket"`
	Used       int64     `json:"used"`
	Limit      int64     `json:"limit"`
	Remaining  int64     `json:"remaining"`
	Percentage int       `json:"percentage"`
	ResetAt    time.Time `json:"resetAt"`
	Status     Status    `json:"status"`
}

// UserStats holds the stats of every bucket for one user.
type UserStats struct {
	UserID  string                 `json:"userId"`
	Buckets map[Bucket]BucketStats `json:"buckets"`
}

// Stats returns the balances of every bucket for userID. Records are fetched
// through GetOrCreate, so missing ones are created and expired ones reset.
func (e *Engine) Stats(ctx context.Context, userID string) (UserStats, error) {
	stats := UserStats{
		UserID:  userID,
		Buckets: make(map[Bucket]BucketStats, len(Buckets())),
	}
	for _, b := range Buckets() {
		rec, err := e.GetOrCreate(ctx, userID, b)
		if err != nil {
			return UserStats{}, err
		}
		stats.Buckets[b] = StatsFor(rec)
	}
	return stats, nil
}

// StatsFor derives the display values of rec.
func StatsFor(rec Record) BucketStats {
	s := BucketStats{
		Bucket:     rec.Bucket,
		Used:       rec.Used,
		Limit:      rec.Limit,
		Remaining:  rec.Remaining(),
		Percentage: Percentage(rec),
		ResetAt:    rec.ResetAt,
		Status:     StatusOK,
	}
	switch {
	case IsQuotaExceeded(rec):
		s.Status = StatusExceeded
	case IsQuotaLow(rec):
		s.Status = StatusLow
	}
	return s
}

// Percentage returns round(used/limit*100).
func Percentage(rec Record) int {
	if rec.Limit <= 0 {
		return 0
	}
	return int(math.Round(float64(rec.Used) / float64(rec.Limit) * 100))
}

// IsQuotaLow reports whether less than LowQuotaThreshold of the limit remains.
func IsQuotaLow(rec Record) bool {
	if rec.Limit <= 0 {
		return true
	}
	return float64(rec.Remaining())/float64(rec.Limit) < LowQuotaThreshold
}

// IsQuotaExceeded reports whether the balance is used up.
func IsQuotaExceeded(rec Record) bool {
	return rec.Used >= rec.Limit
}
