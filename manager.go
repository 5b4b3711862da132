package taskline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ManagerConfig configures a Manager. Zero values select the defaults.
type ManagerConfig struct {
	// Logger is used by the manager and, unless overridden per consumer, by
	// every consumer it starts. Defaults to FmtLogger.
	Logger Logger
	// Encoder serializes payloads and results. Defaults to JSONEncoder.
	Encoder Encoder
}

// Manager is the administrative surface of the queue subsystem: job
// admission, introspection, manual retry and the per-queue consumer
// registry. Construct one per process with an injected Store; any number of
// processes may point at the same store.
type Manager struct {
	store   Store
	encoder Encoder
	log     Logger

	mu        sync.Mutex
	consumers map[string]*consumer
}

// NewManager creates a Manager over the given backing store.
func NewManager(store Store, cfg ManagerConfig) *Manager {
	enc := cfg.Encoder
	if enc == nil {
		enc = &JSONEncoder{}
	}
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	return &Manager{
		store:     store,
		encoder:   enc,
		log:       l,
		consumers: make(map[string]*consumer),
	}
}

// Enqueue validates and admits a new job into the named queue. The returned
// job is durably visible to consumers before the call returns; on error
// nothing is written.
func (m *Manager) Enqueue(ctx context.Context, queue string, payload any, opts ...EnqueueOption) (*Job, error) {
	if queue == "" {
		return nil, ErrEmptyQueueName
	}
	cfg := defaultEnqueueOptions()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.maxAttempts < 1 {
		return nil, ErrInvalidMaxAttempts
	}
	if cfg.delay < 0 {
		return nil, ErrNegativeDelay
	}

	data, err := m.encoder.Encode(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Payload:     data,
		Status:      StatusPending,
		Priority:    cfg.priority,
		MaxAttempts: cfg.maxAttempts,
		CreatedAt:   now.UnixMilli(),
		UpdatedAt:   now.UnixMilli(),
	}
	score := scoreFor(now.Add(cfg.delay), cfg.priority)
	if err := m.store.EnqueueJob(ctx, job, score); err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob returns the job record for an ID, or ErrJobNotFound.
func (m *Manager) GetJob(ctx context.Context, id string) (*Job, error) {
	return m.store.GetJob(ctx, id)
}

// QueueStats is a point-in-time summary of one queue.
type QueueStats struct {
	// Pending is the queue index cardinality (pending plus retrying jobs).
	Pending int64 `json:"pending"`
	// Processing counts in-flight claims tracked by this process. When
	// multiple consumer processes share the store this is an approximation;
	// an exact cross-process count would need a shared counter.
	Processing int64 `json:"processing"`
	// Completed is the lifetime completed counter.
	Completed int64 `json:"completed"`
	// Failed is the dead-letter set cardinality.
	Failed int64 `json:"failed"`
}

// GetQueueStats reports pending/processing/completed/failed for a queue.
func (m *Manager) GetQueueStats(ctx context.Context, queue string) (*QueueStats, error) {
	pending, err := m.store.PendingCount(ctx, queue)
	if err != nil {
		return nil, err
	}
	failed, err := m.store.DeadCount(ctx, queue)
	if err != nil {
		return nil, err
	}
	completed, err := m.store.CompletedCount(ctx, queue)
	if err != nil {
		return nil, err
	}
	var processing int64
	m.mu.Lock()
	if c, ok := m.consumers[queue]; ok {
		processing = int64(c.inflightCount())
	}
	m.mu.Unlock()
	return &QueueStats{
		Pending:    pending,
		Processing: processing,
		Completed:  completed,
		Failed:     failed,
	}, nil
}

// defaultListLimit applies when ListJobs is called with limit <= 0.
const defaultListLimit = 100

// ListJobs returns up to limit job records for a queue. Status "" lists the
// queue index (pending and retrying jobs) in claim order; StatusFailed
// lists the dead-letter set in failure order; StatusProcessing and
// StatusCompleted list their shared indexes. Records that expired between
// the index read and the load are skipped.
func (m *Manager) ListJobs(ctx context.Context, queue string, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var (
		ids []string
		err error
	)
	switch status {
	case "", StatusPending, StatusRetrying:
		ids, err = m.store.PendingIDs(ctx, queue, int64(limit))
	case StatusProcessing:
		ids, err = m.store.ProcessingIDs(ctx, queue, int64(limit))
	case StatusFailed:
		ids, err = m.store.DeadIDs(ctx, queue, int64(limit))
	case StatusCompleted:
		ids, err = m.store.CompletedIDs(ctx, queue, int64(limit))
	default:
		return nil, ErrUnknownStatus
	}
	if err != nil {
		return nil, err
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := m.store.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// RetryJob moves a dead-lettered job back into its queue with the attempt
// counter reset. It is only valid for jobs in StatusFailed.
func (m *Manager) RetryJob(ctx context.Context, id string) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusFailed {
		return ErrNotFailed
	}
	now := time.Now()
	job.Status = StatusPending
	job.Attempts = 0
	job.Error = ""
	job.FailedAt = 0
	job.UpdatedAt = now.UnixMilli()
	score := scoreFor(now, job.Priority)
	if err := m.store.RetryDead(ctx, job, score); err != nil {
		return err
	}
	m.log.Infof("retrying dead job: id=%s queue=%s", job.ID, job.Queue)
	return nil
}

// ClearQueue purges a queue's indexes and job records. The dead-letter set
// is cleared only when includeDeadLetter is set. Administrative use only.
func (m *Manager) ClearQueue(ctx context.Context, queue string, includeDeadLetter bool) error {
	return m.store.Purge(ctx, queue, includeDeadLetter)
}

// StartConsumer launches a consumer for the named queue with the supplied
// processor. One consumer per queue per manager; starting a second returns
// ErrConsumerRunning.
func (m *Manager) StartConsumer(queue string, proc Processor, cfg ConsumerConfig) error {
	if queue == "" {
		return ErrEmptyQueueName
	}
	if proc == nil {
		return ErrNilProcessor
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consumers[queue]; ok {
		return ErrConsumerRunning
	}
	c := newConsumer(m.store, queue, proc, cfg, m.encoder, m.log)
	m.consumers[queue] = c
	c.start()
	m.log.Infof("consumer started: queue=%s batch=%d poll=%s", queue, c.cfg.BatchSize, c.cfg.PollInterval)
	return nil
}

// StopConsumer stops the named queue's consumer, waiting for in-flight
// dispatches to return. Jobs interrupted mid-processing keep their
// processing entries and are recovered by a later stall sweep.
func (m *Manager) StopConsumer(queue string) error {
	m.mu.Lock()
	c, ok := m.consumers[queue]
	if ok {
		delete(m.consumers, queue)
	}
	m.mu.Unlock()
	if !ok {
		return ErrConsumerNotRunning
	}
	c.stop()
	m.log.Infof("consumer stopped: queue=%s", queue)
	return nil
}

// Stop stops every consumer started by this manager.
func (m *Manager) Stop() {
	m.mu.Lock()
	cs := make([]*consumer, 0, len(m.consumers))
	for q, c := range m.consumers {
		cs = append(cs, c)
		delete(m.consumers, q)
	}
	m.mu.Unlock()
	for _, c := range cs {
		c.stop()
	}
}
