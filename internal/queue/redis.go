package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend persists jobs in Redis so they survive restarts and can be
// drained by several processes.
//
// Layout under prefix:
//
//	queue:jobs       HASH  id -> job JSON
//	queue:waiting    ZSET  score = (maxPriority-priority)*1e13 + enqueued ms
//	queue:delayed    ZSET  score = next attempt ms
//	queue:active     ZSET  score = started ms
//	queue:completed  ZSET  score = finished ms
//	queue:failed     ZSET  score = finished ms
type RedisBackend struct {
	rdb       redis.Cmdable
	retention Retention

	jobs, waiting, delayed, active, completed, failed string
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(rdb redis.Cmdable, prefix string, retention Retention) *RedisBackend {
	k := func(s string) string { return prefix + "queue:" + s }
	return &RedisBackend{
		rdb:       rdb,
		retention: retention.withDefaults(),
		jobs:      k("jobs"),
		waiting:   k("waiting"),
		delayed:   k("delayed"),
		active:    k("active"),
		completed: k("completed"),
		failed:    k("failed"),
	}
}

func waitingScore(job Job) float64 {
	return float64(maxPriority-clampPriority(job.Priority))*1e13 + float64(job.EnqueuedAt.UnixMilli())
}

func msScore(t time.Time) float64 { return float64(t.UnixMilli()) }

func (r *RedisBackend) Push(ctx context.Context, job Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.jobs, job.ID, b)
		pipe.ZAdd(ctx, r.waiting, redis.Z{Score: waitingScore(job), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis push job: %w", err)
	}
	return nil
}

// popScript claims the best waiting job and files it under active in one step,
// so a crash can never leave an id outside every set. Ids without a body are dropped.
//
// KEYS: waiting, active, jobs. ARGV: started ms.
var popScript = redis.NewScript(`
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1], 1)
  if #popped == 0 then
    return false
  end
  local id = popped[1]
  local body = redis.call('HGET', KEYS[3], id)
  if body then
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    return {id, body}
  end
end
`)

// promoteScript moves one id from delayed to waiting if it is still delayed.
// The ZREM result decides the winner when several processes promote at once.
//
// KEYS: delayed, waiting. ARGV: id, waiting score.
var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

func (r *RedisBackend) Pop(ctx context.Context, now time.Time) (Job, bool, error) {
	if err := r.promoteDue(ctx, now); err != nil {
		return Job{}, false, err
	}

	res, err := popScript.Run(ctx, r.rdb, []string{r.waiting, r.active, r.jobs}, now.UnixMilli()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("redis pop job: %w", err)
	}
	if len(res) != 2 {
		return Job{}, false, fmt.Errorf("redis pop job: unexpected reply of %d values", len(res))
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		// left in active; Recover or an operator deals with it
		return Job{}, false, fmt.Errorf("decode job %s: %w", res[0], err)
	}
	return job, true, nil
}

// promoteDue moves delayed jobs whose retry time has come back to waiting.
func (r *RedisBackend) promoteDue(ctx context.Context, now time.Time) error {
	ids, err := r.rdb.ZRangeByScore(ctx, r.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("redis scan delayed: %w", err)
	}
	for _, id := range ids {
		job, found, err := r.load(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			// body pruned or lost; drop the dangling id
			if err := r.rdb.ZRem(ctx, r.delayed, id).Err(); err != nil {
				return fmt.Errorf("redis drop delayed: %w", err)
			}
			continue
		}
		score := strconv.FormatFloat(waitingScore(job), 'f', -1, 64)
		if err := promoteScript.Run(ctx, r.rdb, []string{r.delayed, r.waiting}, id, score).Err(); err != nil {
			return fmt.Errorf("redis promote delayed: %w", err)
		}
	}
	return nil
}

func (r *RedisBackend) load(ctx context.Context, id string) (Job, bool, error) {
	b, err := r.rdb.HGet(ctx, r.jobs, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("redis load job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		return Job{}, false, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, true, nil
}

// move takes a job out of active, rewrites its body and files it under dest.
func (r *RedisBackend) move(ctx context.Context, job Job, dest string, score float64) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.active, job.ID)
		pipe.HSet(ctx, r.jobs, job.ID, b)
		pipe.ZAdd(ctx, dest, redis.Z{Score: score, Member: job.ID})
		return nil
	})
	return err
}

func (r *RedisBackend) Complete(ctx context.Context, job Job) error {
	if err := r.move(ctx, job, r.completed, msScore(job.FinishedAt)); err != nil {
		return fmt.Errorf("redis complete job: %w", err)
	}
	return nil
}

func (r *RedisBackend) Retry(ctx context.Context, job Job) error {
	if err := r.move(ctx, job, r.delayed, msScore(job.NextAttemptAt)); err != nil {
		return fmt.Errorf("redis retry job: %w", err)
	}
	return nil
}

func (r *RedisBackend) Fail(ctx context.Context, job Job) error {
	if err := r.move(ctx, job, r.failed, msScore(job.FinishedAt)); err != nil {
		return fmt.Errorf("redis fail job: %w", err)
	}
	return nil
}

func (r *RedisBackend) Counts(ctx context.Context) (Counts, error) {
	var cmds [5]*redis.IntCmd
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range []string{r.waiting, r.delayed, r.active, r.completed, r.failed} {
			cmds[i] = pipe.ZCard(ctx, key)
		}
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("redis queue counts: %w", err)
	}
	return Counts{
		Waiting:   cmds[0].Val(),
		Delayed:   cmds[1].Val(),
		Active:    cmds[2].Val(),
		Completed: cmds[3].Val(),
		Failed:    cmds[4].Val(),
	}, nil
}

func (r *RedisBackend) Prune(ctx context.Context, now time.Time) error {
	if err := r.dropBefore(ctx, r.completed, now.Add(-r.retention.CompletedMaxAge)); err != nil {
		return err
	}
	if err := r.dropBefore(ctx, r.failed, now.Add(-r.retention.FailedMaxAge)); err != nil {
		return err
	}

	n, err := r.rdb.ZCard(ctx, r.completed).Result()
	if err != nil {
		return fmt.Errorf("redis count completed: %w", err)
	}
	extra := n - int64(r.retention.CompletedKeep)
	if extra <= 0 {
		return nil
	}
	ids, err := r.rdb.ZRange(ctx, r.completed, 0, extra-1).Result()
	if err != nil {
		return fmt.Errorf("redis trim completed: %w", err)
	}
	return r.drop(ctx, r.completed, ids)
}

func (r *RedisBackend) dropBefore(ctx context.Context, key string, cutoff time.Time) error {
	ids, err := r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("redis scan %s: %w", key, err)
	}
	return r.drop(ctx, key, ids)
}

func (r *RedisBackend) drop(ctx context.Context, key string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, key, members...)
		pipe.HDel(ctx, r.jobs, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis prune %s: %w", key, err)
	}
	return nil
}

// Recover returns jobs left active by a crashed process to the waiting set.
func (r *RedisBackend) Recover(ctx context.Context) (int, error) {
	ids, err := r.rdb.ZRange(ctx, r.active, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scan active: %w", err)
	}
	recovered := 0
	for _, id := range ids {
		job, found, err := r.load(ctx, id)
		if err != nil {
			return recovered, err
		}
		_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, r.active, id)
			if found {
				pipe.ZAdd(ctx, r.waiting, redis.Z{Score: waitingScore(job), Member: id})
			}
			return nil
		})
		if err != nil {
			return recovered, fmt.Errorf("redis recover job: %w", err)
		}
		if found {
			recovered++
		}
	}
	return recovered, nil
}

var _ Backend = (*RedisBackend)(nil)
