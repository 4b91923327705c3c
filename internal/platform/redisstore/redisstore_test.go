package redisstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/phrazzld/bgtasks/internal/config"
	"github.com/phrazzld/bgtasks/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	b := New(client, "")
	t.Cleanup(func() { _ = b.Close() })

	return b, mr
}

// steppingClock returns a clock that moves forward one millisecond per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func TestBackend_DequeueOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := setup(t)
	b.now = steppingClock()

	require.NoError(t, b.Enqueue(ctx, "default", "low", 1, []byte("low")))
	require.NoError(t, b.Enqueue(ctx, "default", "normal-1", 5, []byte("normal-1")))
	require.NoError(t, b.Enqueue(ctx, "default", "critical", 20, []byte("critical")))
	require.NoError(t, b.Enqueue(ctx, "default", "normal-2", 5, []byte("normal-2")))

	length, err := b.Len(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(4), length)

	var got []string
	for i := 0; i < 4; i++ {
		record, err := b.Dequeue(ctx, "default", 0)
		require.NoError(t, err)
		require.NotNil(t, record)
		got = append(got, string(record))
	}
	assert.Equal(t, []string{"critical", "normal-1", "normal-2", "low"}, got)

	record, err := b.Dequeue(ctx, "default", 0)
	assert.NoError(t, err)
	assert.Nil(t, record)
}

func TestBackend_KeyLayout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	b := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "jobs")
	defer b.Close()

	require.NoError(t, b.Enqueue(ctx, "mail", "t1", 10, []byte(`{"id":"t1"}`)))
	require.NoError(t, b.Incr(ctx, "mail", store.CounterCompleted, 1))

	assert.ElementsMatch(t, []string{
		"jobs:{mail}:ledger",
		"jobs:{mail}:pending",
		"jobs:{mail}:stats",
	}, mr.Keys())
	assert.Equal(t, `{"id":"t1"}`, mr.HGet("jobs:{mail}:ledger", "t1"))
}

func TestBackend_DequeueReadyTaskDoesNotBlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := setup(t)

	require.NoError(t, b.Enqueue(ctx, "default", "t1", 5, []byte("t1")))

	start := time.Now()
	record, err := b.Dequeue(ctx, "default", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "t1", string(record))
	assert.Less(t, time.Since(start), time.Second)
}

// setupRedisServer connects to the server named by REDIS_ADDR. Blocking
// dequeues use BZPOPMAX, which miniredis does not implement.
func setupRedisServer(t *testing.T) *Backend {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping test against a redis server")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := "bgtasks-test-" + uuid.NewString()
	b := New(client, prefix)
	t.Cleanup(func() {
		ctx := context.Background()
		if keys, err := client.Keys(ctx, prefix+":*").Result(); err == nil && len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = b.Close()
	})

	require.NoError(t, b.Ping(context.Background()))
	return b
}

func TestBackend_BlockingDequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("wakes up on enqueue", func(t *testing.T) {
		t.Parallel()

		b := setupRedisServer(t)
		result := make(chan []byte, 1)
		go func() {
			record, _ := b.Dequeue(ctx, "default", 3*time.Second)
			result <- record
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, b.Enqueue(ctx, "default", "t1", 5, []byte("t1")))

		select {
		case record := <-result:
			assert.Equal(t, "t1", string(record))
		case <-time.After(5 * time.Second):
			t.Fatal("blocked dequeue did not wake up")
		}
	})

	t.Run("times out", func(t *testing.T) {
		t.Parallel()

		b := setupRedisServer(t)
		start := time.Now()
		record, err := b.Dequeue(ctx, "default", 200*time.Millisecond)

		assert.NoError(t, err)
		assert.Nil(t, record)
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	})
}

func TestBackend_DequeueSkipsDeletedRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, mr := setup(t)

	require.NoError(t, b.Enqueue(ctx, "default", "gone", 10, []byte("gone")))
	require.NoError(t, b.Enqueue(ctx, "default", "kept", 1, []byte("kept")))
	mr.HDel(b.ledgerKey("default"), "gone")

	record, err := b.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(record))

	length, err := b.Len(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
}

func TestBackend_ConcurrentDequeueIsAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := setup(t)

	const total = 100
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("t-%03d", i)
		require.NoError(t, b.Enqueue(ctx, "default", id, i%3, []byte(id)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				record, err := b.Dequeue(ctx, "default", 0)
				if err != nil || record == nil {
					return
				}
				mu.Lock()
				seen[string(record)]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %s dequeued more than once", id)
	}
}

func TestBackend_Ledger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := setup(t)

	_, err := b.Get(ctx, "default", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	const total = 450
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("t-%03d", i)
		require.NoError(t, b.Put(ctx, "default", id, []byte("record-"+id)))
	}

	record, err := b.Get(ctx, "default", "t-007")
	require.NoError(t, err)
	assert.Equal(t, "record-t-007", string(record))

	seen := make(map[string]string)
	require.NoError(t, b.Scan(ctx, "default", func(id string, record []byte) error {
		seen[id] = string(record)
		return nil
	}))
	assert.Len(t, seen, total)
	assert.Equal(t, "record-t-449", seen["t-449"])

	removed, err := b.Delete(ctx, "default", "t-001", "t-002", "nope")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = b.Delete(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	_, err = b.Get(ctx, "default", "t-001")
	assert.True(t, store.IsNotFoundError(err))
}

func TestBackend_Counters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, mr := setup(t)

	counters, err := b.Counters(ctx, "default")
	require.NoError(t, err)
	assert.Empty(t, counters)

	require.NoError(t, b.Incr(ctx, "default", store.CounterCompleted, 1))
	require.NoError(t, b.Incr(ctx, "default", store.CounterCompleted, 1))
	require.NoError(t, b.Incr(ctx, "default", store.CounterFailed, 3))

	counters, err = b.Counters(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		store.CounterCompleted: 2,
		store.CounterFailed:    3,
	}, counters)

	mr.HSet(b.statsKey("default"), "broken", "abc")
	_, err = b.Counters(ctx, "default")
	assert.Error(t, err)
}

func TestBackend_Unavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	b := New(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "")
	defer b.Close()
	require.NoError(t, b.Ping(ctx))

	mr.Close()

	err = b.Ping(ctx)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)

	err = b.Enqueue(ctx, "default", "t1", 5, []byte("t1"))
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func TestBackend_Close(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := setup(t)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "close should be idempotent")

	err := b.Ping(ctx)
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := NewClient(config.RedisConfig{Addr: mr.Addr(), DB: 0, PoolSize: 2})
	defer client.Close()

	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestCeilSecond(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, ceilSecond(200*time.Millisecond))
	assert.Equal(t, time.Second, ceilSecond(time.Second))
	assert.Equal(t, 2*time.Second, ceilSecond(1500*time.Millisecond))
}
