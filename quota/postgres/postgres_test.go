//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotaledger"
	quotapg "github.com/ineyio/quotaledger/quota/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/quotaledger_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *quotapg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := quotapg.New(pool, quotapg.WithTablePrefix(prefix))

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %srecords, %saudit", prefix, prefix))
	})
	return s
}

func newTestEngine(t *testing.T, s quotaledger.Store, opts ...quotaledger.Option) *quotaledger.Engine {
	t.Helper()
	opts = append([]quotaledger.Option{
		quotaledger.WithDefaultLimits(map[quotaledger.Bucket]int64{
			quotaledger.BucketLearningInteractions: 150,
			quotaledger.BucketAutoExplain:          20,
		}),
	}, opts...)
	e, err := quotaledger.New(s, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestConsumeAdjustHistory(t *testing.T) {
	pool := newTestPool(t)
	e := newTestEngine(t, newTestStore(t, pool))
	ctx := context.Background()

	res, err := e.Consume(ctx, "u1", quotaledger.BucketLearningInteractions, 120, quotaledger.Metadata{"lesson": 7})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !res.Success || res.Remaining != 30 {
		t.Fatalf("expected success with 30 remaining, got %+v", res)
	}

	if err := e.Adjust(ctx, "u1", quotaledger.BucketLearningInteractions, 100, "admin-1", "abuse"); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	rec, err := e.GetOrCreate(ctx, "u1", quotaledger.BucketLearningInteractions)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Limit != 100 || rec.Used != 120 || rec.Remaining() != 0 {
		t.Fatalf("unexpected record after adjust: %+v", rec)
	}

	history, err := e.History(ctx, "u1", quotaledger.BucketLearningInteractions)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(history))
	}
	if history[1].Reason != quotaledger.ReasonAdminAdjust || history[1].Change != -50 {
		t.Fatalf("unexpected adjust entry: %+v", history[1])
	}
	if history[1].Metadata["previousLimit"] != int64(150) {
		t.Fatalf("expected previousLimit 150 as int64, got %#v", history[1].Metadata["previousLimit"])
	}
	if history[0].Metadata["lesson"] != int64(7) {
		t.Fatalf("expected lesson 7 as int64, got %#v", history[0].Metadata["lesson"])
	}
	if history[1].Metadata["adminId"] != "admin-1" {
		t.Fatalf("expected adminId in metadata, got %v", history[1].Metadata)
	}
}

func TestConcurrentConsume(t *testing.T) {
	pool := newTestPool(t)
	// Serialization failures are expected when first inserts race.
	e := newTestEngine(t, newTestStore(t, pool), quotaledger.WithConflictRetries(100))
	ctx := context.Background()

	const n = 40
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

	if got := successes.Load(); got != 20 {
		t.Fatalf("expected 20 successes, got %d", got)
	}

	history, err := e.History(ctx, "u1", quotaledger.BucketAutoExplain)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 20 {
		t.Fatalf("expected 20 audit entries, got %d", len(history))
	}
}
