package buffer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Tombstone marks list slots that are about to be removed by a compaction.
const Tombstone = "__DELETE__"

// ListStore is the ordered list vocabulary the buffers are built on.
type ListStore interface {
	// Append adds value to the tail of the list stored at key.
	Append(ctx context.Context, key string, value []byte) error
	Length(ctx context.Context, key string) (int64, error)
	// ReadRange returns up to limit values from the head of the list. A
	// limit of zero or less reads the whole list.
	ReadRange(ctx context.Context, key string, limit int) ([]string, error)
	// ReplaceAndCompact overwrites every slot in indices with tombstone and
	// then removes all tombstones, atomically.
	ReplaceAndCompact(ctx context.Context, key string, indices []int, tombstone string) error
}

// Store is a ListStore that can also quarantine failed batches and guard a
// key with a short lived lock.
type Store interface {
	ListStore
	Quarantine(ctx context.Context, key string, reason string, batch []byte) error
	// TryLock returns ok=false when another holder owns the lock on key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisListStore struct {
	db redis.UniversalClient
}

func NewRedisListStore(db redis.UniversalClient) *RedisListStore {
	return &RedisListStore{db: db}
}

func (s *RedisListStore) Append(ctx context.Context, key string, value []byte) error {
	if err := s.db.RPush(ctx, key, value).Err(); err != nil {
		return errors.Wrapf(err, "error appending to %s", key)
	}
	return nil
}

func (s *RedisListStore) Length(ctx context.Context, key string) (int64, error) {
	n, err := s.db.LLen(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "error reading length of %s", key)
	}
	return n, nil
}

func (s *RedisListStore) ReadRange(ctx context.Context, key string, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	values, err := s.db.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", key)
	}
	return values, nil
}

func (s *RedisListStore) ReplaceAndCompact(ctx context.Context, key string, indices []int, tombstone string) error {
	if len(indices) == 0 {
		return nil
	}
	_, err := s.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, index := range indices {
			pipe.LSet(ctx, key, int64(index), tombstone)
		}
		pipe.LRem(ctx, key, 0, tombstone)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "error compacting %s", key)
	}
	return nil
}

func (s *RedisListStore) Quarantine(ctx context.Context, key string, reason string, batch []byte) error {
	failedKey := fmt.Sprintf("%s:failed:%d", key, time.Now().UnixMilli())
	err := s.db.HSet(ctx, failedKey, map[string]interface{}{
		"error":   reason,
		"data":    batch,
		"retries": 0,
	}).Err()
	if err != nil {
		return errors.Wrapf(err, "error storing failed batch in %s", failedKey)
	}
	return nil
}

func (s *RedisListStore) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lockKey := key + ":lock"
	token := uuid.NewString()
	ok, err := s.db.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "error acquiring %s", lockKey)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func() {
		// the lock expires on its own if this fails
		_ = unlockScript.Run(context.Background(), s.db, []string{lockKey}, token).Err()
	}
	return unlock, true, nil
}
