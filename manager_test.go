package taskline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, Store) {
	t.Helper()
	store := NewMemStore()
	m := NewManager(store, ManagerConfig{Logger: noopLogger{}})
	t.Cleanup(m.Stop)
	return m, store
}

func TestManager_Enqueue_Validation(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "", "payload")
	require.ErrorIs(t, err, ErrEmptyQueueName)

	_, err = m.Enqueue(ctx, "q", "payload", WithMaxAttempts(0))
	require.ErrorIs(t, err, ErrInvalidMaxAttempts)

	_, err = m.Enqueue(ctx, "q", "payload", WithDelay(-time.Second))
	require.ErrorIs(t, err, ErrNegativeDelay)

	// rejected admissions write nothing
	n, err := store.PendingCount(ctx, "q")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestManager_Enqueue_Defaults(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		m := NewManager(s, ManagerConfig{Logger: noopLogger{}})
		defer m.Stop()
		ctx := context.Background()

		job, err := m.Enqueue(ctx, "q", map[string]int{"x": 1})
		require.NoError(t, err)
		require.NotEmpty(t, job.ID)
		require.Equal(t, "q", job.Queue)
		require.Equal(t, StatusPending, job.Status)
		require.Equal(t, PriorityNormal, job.Priority)
		require.Equal(t, 3, job.MaxAttempts)
		require.Zero(t, job.Attempts)

		// durably visible: record and index entry both exist on return
		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, job.ID, got.ID)
		n, err := s.PendingCount(ctx, "q")
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
	})
}

func TestManager_GetJob_NotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.GetJob(context.Background(), "nope")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestManager_ListJobs(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	first, err := m.Enqueue(ctx, "q", 1)
	require.NoError(t, err)
	second, err := m.Enqueue(ctx, "q", 2, WithDelay(time.Hour))
	require.NoError(t, err)

	// claim order: the ready job before the delayed one
	jobs, err := m.ListJobs(ctx, "q", "", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, first.ID, jobs[0].ID)
	require.Equal(t, second.ID, jobs[1].ID)

	// dead-letter one and list by failed
	ids, err := store.ClaimReady(ctx, "q", claimCeiling(time.Now()), 1, float64(time.Now().Add(time.Minute).UnixMilli()))
	require.NoError(t, err)
	require.Equal(t, []string{first.ID}, ids)
	first.Status = StatusFailed
	first.FailedAt = time.Now().UnixMilli()
	require.NoError(t, store.DeadLetter(ctx, first))

	failed, err := m.ListJobs(ctx, "q", StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, first.ID, failed[0].ID)

	_, err = m.ListJobs(ctx, "q", Status("bogus"), 10)
	require.ErrorIs(t, err, ErrUnknownStatus)
}

func TestManager_RetryJob(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	require.ErrorIs(t, m.RetryJob(ctx, "missing"), ErrJobNotFound)

	job, err := m.Enqueue(ctx, "q", "x")
	require.NoError(t, err)
	require.ErrorIs(t, m.RetryJob(ctx, job.ID), ErrNotFailed)

	// dead-letter it, then manually retry
	_, err = store.ClaimReady(ctx, "q", claimCeiling(time.Now()), 1, float64(time.Now().Add(time.Minute).UnixMilli()))
	require.NoError(t, err)
	job.Status = StatusFailed
	job.Attempts = 3
	job.Error = "boom"
	job.FailedAt = time.Now().UnixMilli()
	require.NoError(t, store.DeadLetter(ctx, job))

	require.NoError(t, m.RetryJob(ctx, job.ID))

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Zero(t, got.Attempts)
	require.Empty(t, got.Error)
	require.Zero(t, got.FailedAt)

	nDead, err := store.DeadCount(ctx, "q")
	require.NoError(t, err)
	require.Zero(t, nDead)
	nPending, err := store.PendingCount(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, int64(1), nPending)
}

func TestManager_ClearQueue(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(ctx, "q", i)
		require.NoError(t, err)
	}
	dead, err := m.Enqueue(ctx, "q", "doomed")
	require.NoError(t, err)
	_, err = store.ClaimReady(ctx, "q", claimCeiling(time.Now()), 4, float64(time.Now().Add(time.Minute).UnixMilli()))
	require.NoError(t, err)
	dead.Status = StatusFailed
	dead.FailedAt = time.Now().UnixMilli()
	require.NoError(t, store.DeadLetter(ctx, dead))

	require.NoError(t, m.ClearQueue(ctx, "q", false))
	stats, err := m.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	require.Zero(t, stats.Pending)
	require.Zero(t, stats.Processing)
	require.Equal(t, int64(1), stats.Failed)

	require.NoError(t, m.ClearQueue(ctx, "q", true))
	stats, err = m.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	require.Zero(t, stats.Failed)
	_, err = m.GetJob(ctx, dead.ID)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestManager_StartStopConsumer(t *testing.T) {
	m, _ := newTestManager(t)
	proc := func(ctx context.Context, job *Job) (any, error) { return nil, nil }

	require.ErrorIs(t, m.StartConsumer("", proc, ConsumerConfig{}), ErrEmptyQueueName)
	require.ErrorIs(t, m.StartConsumer("q", nil, ConsumerConfig{}), ErrNilProcessor)

	require.NoError(t, m.StartConsumer("q", proc, ConsumerConfig{PollInterval: time.Hour}))
	require.ErrorIs(t, m.StartConsumer("q", proc, ConsumerConfig{}), ErrConsumerRunning)

	require.NoError(t, m.StopConsumer("q"))
	require.ErrorIs(t, m.StopConsumer("q"), ErrConsumerNotRunning)
}
