package taskline

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store implementation. It satisfies the same
// contract as RedisStore and exists for embedded use and tests that should
// not depend on an external store. All operations serialize on one mutex,
// which makes every multi-key transition trivially atomic.
type MemStore struct {
	mu             sync.Mutex
	jobs           map[string]Job
	expiry         map[string]time.Time
	pending        map[string]map[string]float64
	processing     map[string]map[string]float64
	dead           map[string]map[string]float64
	completed      map[string]map[string]float64
	completedCount map[string]int64
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:           make(map[string]Job),
		expiry:         make(map[string]time.Time),
		pending:        make(map[string]map[string]float64),
		processing:     make(map[string]map[string]float64),
		dead:           make(map[string]map[string]float64),
		completed:      make(map[string]map[string]float64),
		completedCount: make(map[string]int64),
	}
}

func (s *MemStore) EnqueueJob(_ context.Context, job *Job, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	index(s.pending, job.Queue)[job.ID] = score
	return nil
}

func (s *MemStore) UpdateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	delete(s.expiry, job.ID)
	return nil
}

func (s *MemStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.expiry[id]; ok && time.Now().After(exp) {
		delete(s.jobs, id)
		delete(s.expiry, id)
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := job
	return &out, nil
}

func (s *MemStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.expiry, id)
	return nil
}

func (s *MemStore) ClaimReady(_ context.Context, queue string, ceiling float64, count int, stallDeadline float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := popBelow(index(s.pending, queue), ceiling, count)
	proc := index(s.processing, queue)
	for _, id := range ids {
		proc[id] = stallDeadline
	}
	return ids, nil
}

func (s *MemStore) ClaimStalled(_ context.Context, queue string, ceiling float64, count int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return popBelow(index(s.processing, queue), ceiling, count), nil
}

func (s *MemStore) DropProcessing(_ context.Context, queue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(index(s.processing, queue), id)
	return nil
}

func (s *MemStore) ExtendProcessing(_ context.Context, queue, id string, stallDeadline float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	index(s.processing, queue)[id] = stallDeadline
	return nil
}

func (s *MemStore) Requeue(_ context.Context, job *Job, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	delete(index(s.processing, job.Queue), job.ID)
	index(s.pending, job.Queue)[job.ID] = score
	return nil
}

func (s *MemStore) CompleteJob(_ context.Context, job *Job, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	s.expiry[job.ID] = time.Now().Add(retention)
	delete(index(s.processing, job.Queue), job.ID)
	index(s.completed, job.Queue)[job.ID] = float64(job.CompletedAt + retention.Milliseconds())
	s.completedCount[job.Queue]++
	return nil
}

func (s *MemStore) DeadLetter(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	delete(index(s.processing, job.Queue), job.ID)
	index(s.dead, job.Queue)[job.ID] = float64(job.FailedAt)
	return nil
}

func (s *MemStore) RetryDead(_ context.Context, job *Job, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	delete(s.expiry, job.ID)
	delete(index(s.dead, job.Queue), job.ID)
	index(s.pending, job.Queue)[job.ID] = score
	return nil
}

func (s *MemStore) PendingIDs(_ context.Context, queue string, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rangeIDs(index(s.pending, queue), limit), nil
}

func (s *MemStore) ProcessingIDs(_ context.Context, queue string, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rangeIDs(index(s.processing, queue), limit), nil
}

func (s *MemStore) DeadIDs(_ context.Context, queue string, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rangeIDs(index(s.dead, queue), limit), nil
}

func (s *MemStore) CompletedIDs(_ context.Context, queue string, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rangeIDs(index(s.completed, queue), limit), nil
}

func (s *MemStore) PendingCount(_ context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(index(s.pending, queue))), nil
}

func (s *MemStore) ProcessingCount(_ context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(index(s.processing, queue))), nil
}

func (s *MemStore) DeadCount(_ context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(index(s.dead, queue))), nil
}

func (s *MemStore) CompletedCount(_ context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedCount[queue], nil
}

func (s *MemStore) PurgeExpiredCompleted(_ context.Context, queue string, ceiling float64, count int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := popBelow(index(s.completed, queue), ceiling, count)
	for _, id := range ids {
		delete(s.jobs, id)
		delete(s.expiry, id)
	}
	return len(ids), nil
}

func (s *MemStore) Purge(_ context.Context, queue string, includeDead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sets := []map[string]map[string]float64{s.pending, s.processing, s.completed}
	if includeDead {
		sets = append(sets, s.dead)
	}
	for _, set := range sets {
		for id := range index(set, queue) {
			delete(s.jobs, id)
			delete(s.expiry, id)
		}
		delete(set, queue)
	}
	delete(s.completedCount, queue)
	return nil
}

// index returns the per-queue score map, creating it on first use.
// Callers must hold the store mutex.
func index(m map[string]map[string]float64, queue string) map[string]float64 {
	set, ok := m[queue]
	if !ok {
		set = make(map[string]float64)
		m[queue] = set
	}
	return set
}

type scoredID struct {
	id    string
	score float64
}

func sortedBelow(set map[string]float64, ceiling float64) []scoredID {
	out := make([]scoredID, 0, len(set))
	for id, score := range set {
		if score <= ceiling {
			out = append(out, scoredID{id: id, score: score})
		}
	}
	// score order, ID as the deterministic tie-break (matches ZSET member order)
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

func popBelow(set map[string]float64, ceiling float64, count int) []string {
	ranked := sortedBelow(set, ceiling)
	if count >= 0 && len(ranked) > count {
		ranked = ranked[:count]
	}
	ids := make([]string, 0, len(ranked))
	for _, e := range ranked {
		delete(set, e.id)
		ids = append(ids, e.id)
	}
	return ids
}

func rangeIDs(set map[string]float64, limit int64) []string {
	if limit <= 0 {
		return nil
	}
	ranked := sortedBelow(set, maxScore)
	if int64(len(ranked)) > limit {
		ranked = ranked[:limit]
	}
	ids := make([]string, 0, len(ranked))
	for _, e := range ranked {
		ids = append(ids, e.id)
	}
	return ids
}

const maxScore = 1 << 62

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*RedisStore)(nil)
)
