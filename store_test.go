package taskline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		s.Close()
	}
	return rdb, cleanup
}

// forEachStore runs the same contract test against RedisStore (over
// miniredis) and MemStore.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("redis", func(t *testing.T) {
		rdb, done := newMiniClient(t)
		defer done()
		fn(t, NewRedisStore(rdb))
	})
	t.Run("mem", func(t *testing.T) {
		fn(t, NewMemStore())
	})
}

func testJob(id, queue string) *Job {
	now := time.Now().UnixMilli()
	return &Job{
		ID:          id,
		Queue:       queue,
		Payload:     json.RawMessage(`{"x":1}`),
		Status:      StatusPending,
		Priority:    PriorityNormal,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestStore_EnqueueAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetJob(ctx, "missing")
		require.ErrorIs(t, err, ErrJobNotFound)

		job := testJob("j1", "q")
		require.NoError(t, s.EnqueueJob(ctx, job, scoreFor(time.Now(), job.Priority)))

		got, err := s.GetJob(ctx, "j1")
		require.NoError(t, err)
		require.Equal(t, job.ID, got.ID)
		require.Equal(t, job.Queue, got.Queue)
		require.Equal(t, StatusPending, got.Status)
		require.JSONEq(t, `{"x":1}`, string(got.Payload))

		n, err := s.PendingCount(ctx, "q")
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
	})
}

func TestStore_ClaimReady_PriorityOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ready := time.Now()

		// admitted in reverse urgency; claim order must follow priority
		for _, tc := range []struct {
			id string
			p  Priority
		}{{"low", PriorityLow}, {"normal", PriorityNormal}, {"crit", PriorityCritical}} {
			job := testJob(tc.id, "q")
			job.Priority = tc.p
			require.NoError(t, s.EnqueueJob(ctx, job, scoreFor(ready, tc.p)))
		}

		deadline := float64(time.Now().Add(time.Minute).UnixMilli())
		first, err := s.ClaimReady(ctx, "q", claimCeiling(time.Now()), 1, deadline)
		require.NoError(t, err)
		require.Equal(t, []string{"crit"}, first)

		rest, err := s.ClaimReady(ctx, "q", claimCeiling(time.Now()), 2, deadline)
		require.NoError(t, err)
		require.Equal(t, []string{"normal", "low"}, rest)

		nPending, err := s.PendingCount(ctx, "q")
		require.NoError(t, err)
		require.Zero(t, nPending)
		nProc, err := s.ProcessingCount(ctx, "q")
		require.NoError(t, err)
		require.Equal(t, int64(3), nProc)
	})
}

func TestStore_ClaimReady_RespectsDelay(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := testJob("later", "q")
		require.NoError(t, s.EnqueueJob(ctx, job, scoreFor(time.Now().Add(time.Hour), job.Priority)))

		ids, err := s.ClaimReady(ctx, "q", claimCeiling(time.Now()), 10, 0)
		require.NoError(t, err)
		require.Empty(t, ids)

		ids, err = s.ClaimReady(ctx, "q", claimCeiling(time.Now().Add(2*time.Hour)), 10, 0)
		require.NoError(t, err)
		require.Equal(t, []string{"later"}, ids)
	})
}

func TestStore_ClaimReady_NoDuplicatesUnderConcurrency(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const total = 60
		ready := time.Now()
		for i := 0; i < total; i++ {
			id := "job-" + string(rune('a'+i/26)) + string(rune('a'+i%26))
			require.NoError(t, s.EnqueueJob(ctx, testJob(id, "q"), scoreFor(ready, PriorityNormal)))
		}

		var (
			mu      sync.Mutex
			claimed []string
			errs    []error
			wg      sync.WaitGroup
		)
		deadline := float64(time.Now().Add(time.Minute).UnixMilli())
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					ids, err := s.ClaimReady(ctx, "q", claimCeiling(time.Now()), 5, deadline)
					if err != nil {
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
						return
					}
					if len(ids) == 0 {
						return
					}
					mu.Lock()
					claimed = append(claimed, ids...)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Empty(t, errs)
		require.Len(t, claimed, total)
		seen := make(map[string]bool, total)
		for _, id := range claimed {
			require.False(t, seen[id], "job %s claimed twice", id)
			seen[id] = true
		}
	})
}

func TestStore_ClaimStalled_And_Extend(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := testJob("j1", "q")
		require.NoError(t, s.EnqueueJob(ctx, job, scoreFor(time.Now(), job.Priority)))

		// claim with an already-expired stall deadline
		expired := float64(time.Now().Add(-time.Second).UnixMilli())
		ids, err := s.ClaimReady(ctx, "q", claimCeiling(time.Now()), 1, expired)
		require.NoError(t, err)
		require.Equal(t, []string{"j1"}, ids)

		stalled, err := s.ClaimStalled(ctx, "q", float64(time.Now().UnixMilli()), 10)
		require.NoError(t, err)
		require.Equal(t, []string{"j1"}, stalled)
		nProc, err := s.ProcessingCount(ctx, "q")
		require.NoError(t, err)
		require.Zero(t, nProc)

		// re-registered with a future deadline it is no longer stalled
		future := float64(time.Now().Add(time.Minute).UnixMilli())
		require.NoError(t, s.ExtendProcessing(ctx, "q", "j1", future))
		stalled, err = s.ClaimStalled(ctx, "q", float64(time.Now().UnixMilli()), 10)
		require.NoError(t, err)
		require.Empty(t, stalled)
	})
}

func TestStore_CompleteJob_And_PurgeExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := testJob("j1", "q")
		require.NoError(t, s.EnqueueJob(ctx, job, scoreFor(time.Now(), job.Priority)))
		_, err := s.ClaimReady(ctx, "q", claimCeiling(time.Now()), 1, float64(time.Now().Add(time.Minute).UnixMilli()))
		require.NoError(t, err)

		job.Status = StatusCompleted
		job.CompletedAt = time.Now().UnixMilli()
		job.Result = json.RawMessage(`"ok"`)
		require.NoError(t, s.CompleteJob(ctx, job, time.Hour))

		nProc, err := s.ProcessingCount(ctx, "q")
		require.NoError(t, err)
		require.Zero(t, nProc)
		nDone, err := s.CompletedCount(ctx, "q")
		require.NoError(t, err)
		require.Equal(t, int64(1), nDone)

		got, err := s.GetJob(ctx, "j1")
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, got.Status)
		require.JSONEq(t, `"ok"`, string(got.Result))

		// retention sweep removes the record and index entry
		far := float64(time.Now().Add(2 * time.Hour).UnixMilli())
		n, err := s.PurgeExpiredCompleted(ctx, "q", far, 10)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		_, err = s.GetJob(ctx, "j1")
		require.ErrorIs(t, err, ErrJobNotFound)
		ids, err := s.CompletedIDs(ctx, "q", 10)
		require.NoError(t, err)
		require.Empty(t, ids)

		// the lifetime counter survives the purge
		nDone, err = s.CompletedCount(ctx, "q")
		require.NoError(t, err)
		require.Equal(t, int64(1), nDone)
	})
}

func TestStore_DeadLetter_And_RetryDead(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := testJob("j1", "q")
		require.NoError(t, s.EnqueueJob(ctx, job, scoreFor(time.Now(), job.Priority)))
		_, err := s.ClaimReady(ctx, "q", claimCeiling(time.Now()), 1, float64(time.Now().Add(time.Minute).UnixMilli()))
		require.NoError(t, err)

		job.Status = StatusFailed
		job.Attempts = 3
		job.Error = "boom"
		job.FailedAt = time.Now().UnixMilli()
		require.NoError(t, s.DeadLetter(ctx, job))

		nDead, err := s.DeadCount(ctx, "q")
		require.NoError(t, err)
		require.Equal(t, int64(1), nDead)
		ids, err := s.DeadIDs(ctx, "q", 10)
		require.NoError(t, err)
		require.Equal(t, []string{"j1"}, ids)

		job.Status = StatusPending
		job.Attempts = 0
		job.Error = ""
		require.NoError(t, s.RetryDead(ctx, job, scoreFor(time.Now(), job.Priority)))

		nDead, err = s.DeadCount(ctx, "q")
		require.NoError(t, err)
		require.Zero(t, nDead)
		nPending, err := s.PendingCount(ctx, "q")
		require.NoError(t, err)
		require.Equal(t, int64(1), nPending)
	})
}

func TestStore_Requeue(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := testJob("j1", "q")
		require.NoError(t, s.EnqueueJob(ctx, job, scoreFor(time.Now(), job.Priority)))
		_, err := s.ClaimReady(ctx, "q", claimCeiling(time.Now()), 1, float64(time.Now().Add(time.Minute).UnixMilli()))
		require.NoError(t, err)

		job.Status = StatusRetrying
		job.Attempts = 1
		job.Error = "transient"
		require.NoError(t, s.Requeue(ctx, job, scoreFor(time.Now().Add(time.Second), job.Priority)))

		nPending, err := s.PendingCount(ctx, "q")
		require.NoError(t, err)
		require.Equal(t, int64(1), nPending)
		nProc, err := s.ProcessingCount(ctx, "q")
		require.NoError(t, err)
		require.Zero(t, nProc)

		got, err := s.GetJob(ctx, "j1")
		require.NoError(t, err)
		require.Equal(t, StatusRetrying, got.Status)
		require.Equal(t, "transient", got.Error)
	})
}

func TestStore_Purge(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		pending := testJob("p1", "q")
		require.NoError(t, s.EnqueueJob(ctx, pending, scoreFor(time.Now(), pending.Priority)))

		dead := testJob("d1", "q")
		require.NoError(t, s.EnqueueJob(ctx, dead, scoreFor(time.Now(), dead.Priority)))
		_, err := s.ClaimReady(ctx, "q", claimCeiling(time.Now()), 2, float64(time.Now().Add(time.Minute).UnixMilli()))
		require.NoError(t, err)
		// put p1 back so both indexes are populated
		require.NoError(t, s.Requeue(ctx, pending, scoreFor(time.Now(), pending.Priority)))
		dead.Status = StatusFailed
		dead.FailedAt = time.Now().UnixMilli()
		require.NoError(t, s.DeadLetter(ctx, dead))

		require.NoError(t, s.Purge(ctx, "q", false))
		nPending, err := s.PendingCount(ctx, "q")
		require.NoError(t, err)
		require.Zero(t, nPending)
		nDead, err := s.DeadCount(ctx, "q")
		require.NoError(t, err)
		require.Equal(t, int64(1), nDead)
		_, err = s.GetJob(ctx, "p1")
		require.ErrorIs(t, err, ErrJobNotFound)
		_, err = s.GetJob(ctx, "d1")
		require.NoError(t, err)

		require.NoError(t, s.Purge(ctx, "q", true))
		nDead, err = s.DeadCount(ctx, "q")
		require.NoError(t, err)
		require.Zero(t, nDead)
		_, err = s.GetJob(ctx, "d1")
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestStore_DropProcessing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := testJob("j1", "q")
		require.NoError(t, s.EnqueueJob(ctx, job, scoreFor(time.Now(), job.Priority)))
		_, err := s.ClaimReady(ctx, "q", claimCeiling(time.Now()), 1, float64(time.Now().Add(time.Minute).UnixMilli()))
		require.NoError(t, err)

		require.NoError(t, s.DropProcessing(ctx, "q", "j1"))
		nProc, err := s.ProcessingCount(ctx, "q")
		require.NoError(t, err)
		require.Zero(t, nProc)
	})
}
