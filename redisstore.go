package taskline

import (
	"context"
	"strconv"
	"time"

	ikeys "github.com/Taskline/taskline-go/internal/keys"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of Redis. Multi-key transitions run in
// MULTI/EXEC pipelines; the claim paths run as server-side scripts so that
// selecting, removing and registering IDs is one atomic operation.
type RedisStore struct {
	rdb     redis.UniversalClient
	encoder Encoder
}

// NewRedisStore creates a Store backed by the given Redis client.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, encoder: &JSONEncoder{}}
}

// claimReadyScript pops up to ARGV[2] members with score <= ARGV[1] from the
// pending ZSET and registers each in the processing ZSET at ARGV[3].
var claimReadyScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #ids == 0 then return ids end
for i = 1, #ids do
  redis.call('ZREM', KEYS[1], ids[i])
  redis.call('ZADD', KEYS[2], ARGV[3], ids[i])
end
return ids
`)

// claimStalledScript pops up to ARGV[2] members with score <= ARGV[1] from
// the processing ZSET.
var claimStalledScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i = 1, #ids do
  redis.call('ZREM', KEYS[1], ids[i])
end
return ids
`)

func (s *RedisStore) EnqueueJob(ctx context.Context, job *Job, score float64) error {
	raw, err := s.encoder.Encode(job)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, ikeys.Job(job.ID), raw, 0)
		p.ZAdd(ctx, ikeys.Pending(job.Queue), redis.Z{Score: score, Member: job.ID})
		return nil
	})
	return err
}

func (s *RedisStore) UpdateJob(ctx context.Context, job *Job) error {
	raw, err := s.encoder.Encode(job)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, ikeys.Job(job.ID), raw, 0).Err()
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*Job, error) {
	raw, err := s.rdb.Get(ctx, ikeys.Job(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := s.encoder.Decode(raw, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisStore) DeleteJob(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, ikeys.Job(id)).Err()
}

func (s *RedisStore) ClaimReady(ctx context.Context, queue string, ceiling float64, count int, stallDeadline float64) ([]string, error) {
	k := ikeys.For(queue)
	res, err := claimReadyScript.Run(ctx, s.rdb,
		[]string{k.Pending, k.Processing},
		formatScore(ceiling), count, formatScore(stallDeadline)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return scriptIDs(res), nil
}

func (s *RedisStore) ClaimStalled(ctx context.Context, queue string, ceiling float64, count int) ([]string, error) {
	res, err := claimStalledScript.Run(ctx, s.rdb,
		[]string{ikeys.Processing(queue)},
		formatScore(ceiling), count).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return scriptIDs(res), nil
}

func (s *RedisStore) DropProcessing(ctx context.Context, queue, id string) error {
	return s.rdb.ZRem(ctx, ikeys.Processing(queue), id).Err()
}

func (s *RedisStore) ExtendProcessing(ctx context.Context, queue, id string, stallDeadline float64) error {
	return s.rdb.ZAdd(ctx, ikeys.Processing(queue), redis.Z{Score: stallDeadline, Member: id}).Err()
}

func (s *RedisStore) Requeue(ctx context.Context, job *Job, score float64) error {
	raw, err := s.encoder.Encode(job)
	if err != nil {
		return err
	}
	k := ikeys.For(job.Queue)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, ikeys.Job(job.ID), raw, 0)
		p.ZRem(ctx, k.Processing, job.ID)
		p.ZAdd(ctx, k.Pending, redis.Z{Score: score, Member: job.ID})
		return nil
	})
	return err
}

func (s *RedisStore) CompleteJob(ctx context.Context, job *Job, retention time.Duration) error {
	raw, err := s.encoder.Encode(job)
	if err != nil {
		return err
	}
	k := ikeys.For(job.Queue)
	purgeAt := float64(job.CompletedAt + retention.Milliseconds())
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, ikeys.Job(job.ID), raw, retention)
		p.ZRem(ctx, k.Processing, job.ID)
		p.ZAdd(ctx, k.Completed, redis.Z{Score: purgeAt, Member: job.ID})
		p.Incr(ctx, k.CompletedCount)
		return nil
	})
	return err
}

func (s *RedisStore) DeadLetter(ctx context.Context, job *Job) error {
	raw, err := s.encoder.Encode(job)
	if err != nil {
		return err
	}
	k := ikeys.For(job.Queue)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, ikeys.Job(job.ID), raw, 0)
		p.ZRem(ctx, k.Processing, job.ID)
		p.ZAdd(ctx, k.Dead, redis.Z{Score: float64(job.FailedAt), Member: job.ID})
		return nil
	})
	return err
}

func (s *RedisStore) RetryDead(ctx context.Context, job *Job, score float64) error {
	raw, err := s.encoder.Encode(job)
	if err != nil {
		return err
	}
	k := ikeys.For(job.Queue)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, ikeys.Job(job.ID), raw, 0)
		p.ZRem(ctx, k.Dead, job.ID)
		p.ZAdd(ctx, k.Pending, redis.Z{Score: score, Member: job.ID})
		return nil
	})
	return err
}

func (s *RedisStore) PendingIDs(ctx context.Context, queue string, limit int64) ([]string, error) {
	return s.rangeIDs(ctx, ikeys.Pending(queue), limit)
}

func (s *RedisStore) ProcessingIDs(ctx context.Context, queue string, limit int64) ([]string, error) {
	return s.rangeIDs(ctx, ikeys.Processing(queue), limit)
}

func (s *RedisStore) DeadIDs(ctx context.Context, queue string, limit int64) ([]string, error) {
	return s.rangeIDs(ctx, ikeys.Dead(queue), limit)
}

func (s *RedisStore) CompletedIDs(ctx context.Context, queue string, limit int64) ([]string, error) {
	return s.rangeIDs(ctx, ikeys.Completed(queue), limit)
}

func (s *RedisStore) rangeIDs(ctx context.Context, key string, limit int64) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.rdb.ZRange(ctx, key, 0, limit-1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return ids, nil
}

func (s *RedisStore) PendingCount(ctx context.Context, queue string) (int64, error) {
	return s.rdb.ZCard(ctx, ikeys.Pending(queue)).Result()
}

func (s *RedisStore) ProcessingCount(ctx context.Context, queue string) (int64, error) {
	return s.rdb.ZCard(ctx, ikeys.Processing(queue)).Result()
}

func (s *RedisStore) DeadCount(ctx context.Context, queue string) (int64, error) {
	return s.rdb.ZCard(ctx, ikeys.Dead(queue)).Result()
}

func (s *RedisStore) CompletedCount(ctx context.Context, queue string) (int64, error) {
	n, err := s.rdb.Get(ctx, ikeys.CompletedCount(queue)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) PurgeExpiredCompleted(ctx context.Context, queue string, ceiling float64, count int) (int, error) {
	k := ikeys.For(queue)
	ids, err := s.rdb.ZRangeByScore(ctx, k.Completed, &redis.ZRangeBy{
		Min: "-inf", Max: formatScore(ceiling), Offset: 0, Count: int64(count),
	}).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.Del(ctx, ikeys.Job(id))
			p.ZRem(ctx, k.Completed, id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *RedisStore) Purge(ctx context.Context, queue string, includeDead bool) error {
	k := ikeys.For(queue)
	indexes := []string{k.Pending, k.Processing, k.Completed}
	if includeDead {
		indexes = append(indexes, k.Dead)
	}
	var ids []string
	for _, key := range indexes {
		members, err := s.rdb.ZRange(ctx, key, 0, -1).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		ids = append(ids, members...)
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.Del(ctx, ikeys.Job(id))
		}
		p.Del(ctx, indexes...)
		p.Del(ctx, k.CompletedCount)
		return nil
	})
	return err
}

// scriptIDs converts a Lua table reply into a string slice.
func scriptIDs(res any) []string {
	items, ok := res.([]any)
	if !ok || len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			out = append(out, v)
		case []byte:
			out = append(out, string(v))
		}
	}
	return out
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
