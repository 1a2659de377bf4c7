//go:build integration

package redis_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotaledger"
	quotaredis "github.com/ineyio/quotaledger/quota/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *quotaredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := quotaredis.New(client, quotaredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
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

func TestConsumeAndRefund(t *testing.T) {
	client := newTestClient(t)
	e := newTestEngine(t, newTestStore(t, client))
	ctx := context.Background()

	res, err := e.Consume(ctx, "u1", quotaledger.BucketAutoExplain, 15, quotaledger.Metadata{"feature": "quiz"})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !res.Success || res.Remaining != 5 {
		t.Fatalf("expected success with 5 remaining, got %+v", res)
	}

	res, err = e.Consume(ctx, "u1", quotaledger.BucketAutoExplain, 6, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Success || res.Remaining != 5 {
		t.Fatalf("expected rejection with 5 remaining, got %+v", res)
	}

	if err := e.Refund(ctx, "u1", quotaledger.BucketAutoExplain, 10, nil); err != nil {
		t.Fatalf("refund: %v", err)
	}

	rec, err := e.GetOrCreate(ctx, "u1", quotaledger.BucketAutoExplain)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Used != 5 {
		t.Fatalf("expected used 5, got %d", rec.Used)
	}

	history, err := e.History(ctx, "u1", quotaledger.BucketAutoExplain)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(history))
	}
	if history[0].Change != -15 || history[0].Metadata["feature"] != "quiz" {
		t.Fatalf("unexpected consume entry: %+v", history[0])
	}
	if history[1].Reason != quotaledger.ReasonRefund || history[1].Change != 10 {
		t.Fatalf("unexpected refund entry: %+v", history[1])
	}
}

func TestLazyReset(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	now := time.Date(2024, time.January, 20, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e := newTestEngine(t, store, quotaledger.WithClock(clock))

	if _, err := e.Consume(ctx, "u1", quotaledger.BucketLearningInteractions, 100, nil); err != nil {
		t.Fatalf("consume: %v", err)
	}

	mu.Lock()
	now = time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	mu.Unlock()

	res, err := e.Check(ctx, "u1", quotaledger.BucketLearningInteractions, 150)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed || res.Remaining != 150 {
		t.Fatalf("expected fresh month, got %+v", res)
	}

	history, err := e.History(ctx, "u1", quotaledger.BucketLearningInteractions)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := history[len(history)-1]
	if last.Reason != quotaledger.ReasonSystemReset || last.Change != 0 || last.Metadata["previousUsed"] != int64(100) {
		t.Fatalf("expected SYSTEM_RESET with previousUsed 100, got %+v", last)
	}
}

func TestConcurrentConsume(t *testing.T) {
	client := newTestClient(t)
	// Optimistic WATCH conflicts are expected under contention.
	e := newTestEngine(t, newTestStore(t, client), quotaledger.WithConflictRetries(100))
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
	rec, err := e.GetOrCreate(ctx, "u1", quotaledger.BucketAutoExplain)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Used != 20 {
		t.Fatalf("expected used 20, got %d", rec.Used)
	}
}

func TestHistory_UndecodableEntry(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()
	key := quotaledger.Key{UserID: "u1", Bucket: quotaledger.BucketAutoExplain}

	if err := client.RPush(ctx, "test:"+t.Name()+":{"+key.String()+"}:audit", "{not json").Err(); err != nil {
		t.Fatalf("rpush: %v", err)
	}

	_, err := store.History(ctx, key)
	if !errors.Is(err, quotaledger.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
