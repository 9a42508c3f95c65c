package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBackend(t *testing.T, retention Retention) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisBackend(rdb, "sw:", retention), mr
}

func TestRedisBackendPriorityOrder(t *testing.T) {
	backend, _ := newRedisBackend(t, Retention{})
	testPriorityOrder(t, backend)
}

func TestRedisBackendRetryThenFail(t *testing.T) {
	backend, mr := newRedisBackend(t, Retention{})
	testRetryThenFail(t, backend)

	ids, err := mr.ZMembers("sw:queue:failed")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	job, found, err := backend.load(context.Background(), ids[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "telegram 502", job.LastError)
}

func TestRedisBackendRetryThenSucceed(t *testing.T) {
	backend, _ := newRedisBackend(t, Retention{})
	testRetryThenSucceed(t, backend)
}

func TestRedisBackendRecover(t *testing.T) {
	backend, _ := newRedisBackend(t, Retention{})
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, backend.Push(ctx, Job{ID: "j1", Symbol: "BTC", Priority: PriorityNormal, EnqueuedAt: now}))
	_, ok, err := backend.Pop(ctx, now)
	require.NoError(t, err)
	require.True(t, ok)

	counts, _ := backend.Counts(ctx)
	assert.Equal(t, Counts{Active: 1}, counts)

	n, err := backend.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	counts, _ = backend.Counts(ctx)
	assert.Equal(t, Counts{Waiting: 1}, counts)

	got, ok, err := backend.Pop(ctx, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j1", got.ID)
}

func TestRedisBackendPrune(t *testing.T) {
	backend, mr := newRedisBackend(t, Retention{CompletedKeep: 2, CompletedMaxAge: time.Hour, FailedMaxAge: 24 * time.Hour})
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, age := range []time.Duration{2 * time.Hour, 30 * time.Minute, 20 * time.Minute, 10 * time.Minute} {
		require.NoError(t, backend.Complete(ctx, Job{ID: string(rune('a' + i)), FinishedAt: now.Add(-age)}))
	}
	require.NoError(t, backend.Fail(ctx, Job{ID: "old", FinishedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, backend.Fail(ctx, Job{ID: "new", FinishedAt: now.Add(-time.Hour)}))

	require.NoError(t, backend.Prune(ctx, now))

	completed, err := mr.ZMembers("sw:queue:completed")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c", "d"}, completed)
	failed, err := mr.ZMembers("sw:queue:failed")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, failed)

	keys, err := mr.HKeys("sw:queue:jobs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c", "d", "new"}, keys)
}

func TestRedisBackendSkipsDanglingIDs(t *testing.T) {
	backend, mr := newRedisBackend(t, Retention{})
	ctx := context.Background()
	now := time.Now()

	_, err := mr.ZAdd("sw:queue:waiting", 1, "ghost")
	require.NoError(t, err)
	require.NoError(t, backend.Push(ctx, Job{ID: "real", Priority: PriorityNormal, EnqueuedAt: now}))

	got, ok, err := backend.Pop(ctx, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "real", got.ID)
}

// membership maps every job id in the sorted sets to the set holding it.
func membership(t *testing.T, mr *miniredis.Miniredis) map[string][]string {
	t.Helper()
	out := make(map[string][]string)
	for _, set := range []string{"waiting", "delayed", "active", "completed", "failed"} {
		if !mr.Exists("sw:queue:" + set) {
			continue
		}
		ids, err := mr.ZMembers("sw:queue:" + set)
		require.NoError(t, err)
		for _, id := range ids {
			out[id] = append(out[id], set)
		}
	}
	return out
}

func TestRedisBackendConcurrentPopClaimsEachJobOnce(t *testing.T) {
	backend, mr := newRedisBackend(t, Retention{})
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	const jobs = 20
	for i := 0; i < jobs; i++ {
		require.NoError(t, backend.Push(ctx, Job{ID: fmt.Sprintf("j%02d", i), Priority: PriorityNormal, EnqueuedAt: now}))
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := backend.Pop(ctx, now)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
	for id, sets := range membership(t, mr) {
		assert.Equal(t, []string{"active"}, sets, "job %s", id)
	}
}

func TestRedisBackendPromoteMovesAtomically(t *testing.T) {
	backend, mr := newRedisBackend(t, Retention{})
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, backend.Push(ctx, Job{ID: "hi", Priority: PriorityHigh, EnqueuedAt: now}))
	job, ok, err := backend.Pop(ctx, now)
	require.NoError(t, err)
	require.True(t, ok)
	job.NextAttemptAt = now.Add(2 * time.Second)
	require.NoError(t, backend.Retry(ctx, job))
	assert.Equal(t, map[string][]string{"hi": {"delayed"}}, membership(t, mr))

	// not yet due
	_, ok, err = backend.Pop(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, map[string][]string{"hi": {"delayed"}}, membership(t, mr))

	require.NoError(t, backend.Push(ctx, Job{ID: "lo", Priority: PriorityNormal, EnqueuedAt: now}))
	got, ok, err := backend.Pop(ctx, now.Add(3*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hi", got.ID, "promoted job keeps its priority")
	assert.Equal(t, map[string][]string{"hi": {"active"}, "lo": {"waiting"}}, membership(t, mr))
}

func TestRedisBackendDropsDanglingDelayedIDs(t *testing.T) {
	backend, mr := newRedisBackend(t, Retention{})
	ctx := context.Background()
	now := time.Now()

	_, err := mr.ZAdd("sw:queue:delayed", 1, "ghost")
	require.NoError(t, err)
	_, ok, err := backend.Pop(ctx, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("sw:queue:delayed"))
}
