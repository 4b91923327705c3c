package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/phrazzld/bgtasks/internal/config"
	"github.com/phrazzld/bgtasks/internal/store"
	"github.com/spf13/cast"
)

// DefaultKeyPrefix is used when no key prefix is configured.
const DefaultKeyPrefix = "bgtasks"

// Backend implements store.QueueBackend on redis. Each queue uses a sorted
// set of waiting ids, a hash of ledger records and a hash of counters.
type Backend struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// Compile-time check that Backend implements store.QueueBackend.
var _ store.QueueBackend = (*Backend)(nil)

// NewClient creates a redis client from the application config.
func NewClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// New creates a backend on client. An empty prefix selects DefaultKeyPrefix.
// The backend owns the client and closes it in Close.
func New(client redis.UniversalClient, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Backend{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// Enqueue implements store.QueueBackend. The ledger write and the pending
// set insert run in one MULTI/EXEC transaction.
func (b *Backend) Enqueue(ctx context.Context, queue, id string, priority int, record []byte) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.ledgerKey(queue), id, record)
		pipe.ZAdd(ctx, b.pendingKey(queue), &redis.Z{
			Score:  score(priority, b.now().UnixMilli()),
			Member: id,
		})
		return nil
	})
	if err != nil {
		return wrapError("enqueue", err)
	}
	return nil
}

// popCmd removes the highest scored id and returns its ledger record,
// skipping ids whose record was deleted while they waited.
//
// KEYS[1] -> <prefix>:{<queue>}:pending
// KEYS[2] -> <prefix>:{<queue>}:ledger
var popCmd = redis.NewScript(`
while true do
	local popped = redis.call("ZPOPMAX", KEYS[1])
	if #popped == 0 then
		return nil
	end
	local record = redis.call("HGET", KEYS[2], popped[1])
	if record then
		return record
	end
end
`)

// Dequeue implements store.QueueBackend. A ready task is popped with a
// script; otherwise the call blocks in BZPOPMAX. Redis only accepts whole
// seconds there, so waits shorter than a second are rounded up.
func (b *Backend) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	record, err := b.pop(ctx, queue)
	if err != nil || record != nil || timeout <= 0 {
		return record, err
	}

	deadline := b.now().Add(timeout)
	for {
		remaining := deadline.Sub(b.now())
		if remaining <= 0 {
			return nil, nil
		}

		popped, err := b.client.BZPopMax(ctx, ceilSecond(remaining), b.pendingKey(queue)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, wrapError("dequeue", err)
		}

		id, err := cast.ToStringE(popped.Member)
		if err != nil {
			return nil, wrapError("dequeue", fmt.Errorf("unexpected member %v: %w", popped.Member, err))
		}

		record, err := b.client.HGet(ctx, b.ledgerKey(queue), id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, wrapError("dequeue", err)
		}
		return record, nil
	}
}

func (b *Backend) pop(ctx context.Context, queue string) ([]byte, error) {
	keys := []string{b.pendingKey(queue), b.ledgerKey(queue)}
	res, err := popCmd.Run(ctx, b.client, keys).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError("dequeue", err)
	}

	encoded, err := cast.ToStringE(res)
	if err != nil {
		return nil, wrapError("dequeue", fmt.Errorf("unexpected return value from Lua script: %v", res))
	}
	return []byte(encoded), nil
}

// Put implements store.QueueBackend.
func (b *Backend) Put(ctx context.Context, queue, id string, record []byte) error {
	if err := b.client.HSet(ctx, b.ledgerKey(queue), id, record).Err(); err != nil {
		return wrapError("put", err)
	}
	return nil
}

// Get implements store.QueueBackend.
func (b *Backend) Get(ctx context.Context, queue, id string) ([]byte, error) {
	record, err := b.client.HGet(ctx, b.ledgerKey(queue), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrTaskRecordNotFound
	}
	if err != nil {
		return nil, wrapError("get", err)
	}
	return record, nil
}

// scanBatch is the COUNT hint passed to HSCAN.
const scanBatch = 200

// Scan implements store.QueueBackend using HSCAN, so large ledgers are read
// in batches. Records changed during the scan may or may not be visited.
func (b *Backend) Scan(ctx context.Context, queue string, fn store.ScanFunc) error {
	var cursor uint64
	for {
		fields, next, err := b.client.HScan(ctx, b.ledgerKey(queue), cursor, "", scanBatch).Result()
		if err != nil {
			return wrapError("scan", err)
		}

		for i := 0; i+1 < len(fields); i += 2 {
			if err := fn(fields[i], []byte(fields[i+1])); err != nil {
				return err
			}
		}

		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Delete implements store.QueueBackend. Deleted ids are also removed from
// the pending set.
func (b *Backend) Delete(ctx context.Context, queue string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	var deleted *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.HDel(ctx, b.ledgerKey(queue), ids...)
		pipe.ZRem(ctx, b.pendingKey(queue), members...)
		return nil
	})
	if err != nil {
		return 0, wrapError("delete", err)
	}
	return int(deleted.Val()), nil
}

// Len implements store.QueueBackend.
func (b *Backend) Len(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.ZCard(ctx, b.pendingKey(queue)).Result()
	if err != nil {
		return 0, wrapError("len", err)
	}
	return n, nil
}

// Incr implements store.QueueBackend.
func (b *Backend) Incr(ctx context.Context, queue, counter string, delta int64) error {
	if err := b.client.HIncrBy(ctx, b.statsKey(queue), counter, delta).Err(); err != nil {
		return wrapError("incr", err)
	}
	return nil
}

// Counters implements store.QueueBackend.
func (b *Backend) Counters(ctx context.Context, queue string) (map[string]int64, error) {
	raw, err := b.client.HGetAll(ctx, b.statsKey(queue)).Result()
	if err != nil {
		return nil, wrapError("counters", err)
	}

	counters := make(map[string]int64, len(raw))
	for name, value := range raw {
		n, err := cast.ToInt64E(value)
		if err != nil {
			return nil, wrapError("counters", fmt.Errorf("counter %s has non-numeric value %q", name, value))
		}
		counters[name] = n
	}
	return counters, nil
}

// Ping implements store.QueueBackend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return wrapError("ping", err)
	}
	return nil
}

// Close closes the redis client. Only the first call has an effect.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.client.Close()
	})
	return b.closeErr
}

func ceilSecond(d time.Duration) time.Duration {
	whole := d.Truncate(time.Second)
	if whole < d {
		whole += time.Second
	}
	return whole
}

// wrapError reports a failed redis call as store unavailability, keeping
// context cancellation recognizable.
func wrapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, redis.ErrClosed) {
		return store.NewStoreError("task", op, "redis client closed", store.ErrClosed)
	}
	return store.NewStoreError("task", op, "redis command failed",
		fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err))
}
