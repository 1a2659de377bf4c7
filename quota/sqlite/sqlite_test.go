package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaledger"
	quotasqlite "github.com/ineyio/quotaledger/quota/sqlite"
)

func newTestStore(t *testing.T) *quotasqlite.Store {
	t.Helper()
	s, err := quotasqlite.Open(context.Background(), filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, s quotaledger.Store, now func() time.Time) *quotaledger.Engine {
	t.Helper()
	e, err := quotaledger.New(s,
		quotaledger.WithDefaultLimits(map[quotaledger.Bucket]int64{
			quotaledger.BucketLearningInteractions: 150,
			quotaledger.BucketAutoExplain:          20,
		}),
		quotaledger.WithClock(now),
	)
	require.NoError(t, err)
	return e
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := quotaledger.Key{UserID: "u1", Bucket: quotaledger.BucketAutoExplain}
	rec := quotaledger.Record{
		UserID:    key.UserID,
		Bucket:    key.Bucket,
		Used:      4,
		Limit:     20,
		ResetAt:   time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt: time.Date(2024, time.January, 15, 10, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, time.January, 15, 10, 0, 0, 0, time.UTC),
	}

	err := s.WithSerializableTransaction(ctx, key, func(tx quotaledger.Tx) error {
		if err := tx.Save(ctx, rec); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, quotaledger.AuditEntry{
			ID:        "7a8f0a4e-3c2b-4d0e-9a55-2f1b8c9d0e11",
			UserID:    key.UserID,
			Bucket:    key.Bucket,
			Change:    -4,
			Reason:    quotaledger.ReasonConsume,
			Metadata:  quotaledger.Metadata{"feature": "quiz"},
			CreatedAt: rec.UpdatedAt,
		})
	})
	require.NoError(t, err)

	err = s.WithSerializableTransaction(ctx, key, func(tx quotaledger.Tx) error {
		got, ok, err := tx.Load(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rec, got)
		return nil
	})
	require.NoError(t, err)

	history, err := s.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, quotaledger.ReasonConsume, history[0].Reason)
	assert.Equal(t, int64(-4), history[0].Change)
	assert.Equal(t, "quiz", history[0].Metadata["feature"])
}

func TestStore_RollbackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newTestEngine(t, s, time.Now)

	_, err := e.Consume(ctx, "u1", quotaledger.BucketAutoExplain, 5, nil)
	require.NoError(t, err)

	key := quotaledger.Key{UserID: "u1", Bucket: quotaledger.BucketAutoExplain}
	err = s.WithSerializableTransaction(ctx, key, func(tx quotaledger.Tx) error {
		rec, _, err := tx.Load(ctx)
		require.NoError(t, err)
		rec.Used = 19
		require.NoError(t, tx.Save(ctx, rec))
		return quotaledger.ErrAuditWrite
	})
	assert.ErrorIs(t, err, quotaledger.ErrAuditWrite)

	rec, err := e.GetOrCreate(ctx, "u1", quotaledger.BucketAutoExplain)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Used)
}

func TestEngine_ScenariosOnSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, time.January, 31, 22, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e := newTestEngine(t, s, clock)

	res, err := e.Consume(ctx, "u1", quotaledger.BucketLearningInteractions, 120, nil)
	require.NoError(t, err)
	assert.Equal(t, quotaledger.ConsumeResult{Success: true, Remaining: 30}, res)

	require.NoError(t, e.Adjust(ctx, "u1", quotaledger.BucketLearningInteractions, 200, "admin-1", "promo"))

	mu.Lock()
	now = time.Date(2024, time.February, 2, 9, 0, 0, 0, time.UTC)
	mu.Unlock()

	rec, err := e.GetOrCreate(ctx, "u1", quotaledger.BucketLearningInteractions)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Used)
	assert.Equal(t, int64(200), rec.Limit)
	assert.True(t, rec.ResetAt.Equal(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)))

	history, err := e.History(ctx, "u1", quotaledger.BucketLearningInteractions)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, quotaledger.ReasonConsume, history[0].Reason)
	assert.Equal(t, quotaledger.ReasonAdminAdjust, history[1].Reason)
	assert.Equal(t, int64(50), history[1].Change)
	assert.Equal(t, quotaledger.ReasonSystemReset, history[2].Reason)
	assert.Equal(t, int64(120), history[2].Metadata["previousUsed"])
	assert.Equal(t, int64(200), history[1].Metadata["newLimit"])
}

func TestEngine_ConcurrentConsumeOnSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newTestEngine(t, s, time.Now)

	const n = 32
	var wg sync.WaitGroup
	var successes atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Consume(ctx, "u1", quotaledger.BucketAutoExplain, 1, nil)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if res.Success {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), successes.Load())

	rec, err := e.GetOrCreate(ctx, "u1", quotaledger.BucketAutoExplain)
	require.NoError(t, err)
	assert.Equal(t, int64(20), rec.Used)

	history, err := e.History(ctx, "u1", quotaledger.BucketAutoExplain)
	require.NoError(t, err)
	assert.Len(t, history, 20)
}

func TestStore_Ping(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
