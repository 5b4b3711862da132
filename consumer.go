package taskline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Processor is the caller-supplied function that executes one job attempt.
// A nil error marks the attempt successful; the returned value, if non-nil,
// is encoded and stored as the job result. Any error (or panic) routes the
// job into the retry/dead-letter policy. Processors must be idempotent:
// crash recovery can invoke an already-partially-run job a second time.
type Processor func(ctx context.Context, job *Job) (any, error)

// ConsumerConfig configures one queue's consumer. Zero values select the
// documented defaults.
type ConsumerConfig struct {
	// BatchSize is the number of jobs claimed per poll cycle. Default 1.
	BatchSize int
	// PollInterval is the delay between poll cycles. Default 5s.
	PollInterval time.Duration
	// StallTimeout bounds how long a claimed job may sit in processing
	// before the stall sweep treats its consumer as crashed. Default 30s.
	StallTimeout time.Duration
	// BackoffBase is the unit of the exponential retry backoff
	// (2^attempts * BackoffBase). Default 1s.
	BackoffBase time.Duration
	// BackoffMax caps the retry backoff. Default 5m.
	BackoffMax time.Duration
	// Retention is how long completed job records are kept before deletion.
	// Default 1h.
	Retention time.Duration
	// Logger overrides the manager's logger for this consumer.
	Logger Logger
}

func (cfg ConsumerConfig) withDefaults() ConsumerConfig {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return cfg
}

// stallSweepBatch bounds how many stalled or expired entries one sweep tick
// handles, to avoid long blocking operations.
const stallSweepBatch = 256

// consumer drives a single queue: a poll loop that claims and dispatches
// ready jobs, a stall sweep that recovers jobs whose consumer died, and a
// cleaner that purges completed records past retention.
type consumer struct {
	store   Store
	queue   string
	proc    Processor
	cfg     ConsumerConfig
	encoder Encoder
	log     Logger

	ctx    context.Context
	cancel context.CancelFunc
	// txCtx is detached from ctx: state transitions for an attempt that
	// already ran must commit even while the consumer is shutting down.
	txCtx context.Context
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

func newConsumer(store Store, queue string, proc Processor, cfg ConsumerConfig, encoder Encoder, log Logger) *consumer {
	cfg = cfg.withDefaults()
	if cfg.Logger != nil {
		log = cfg.Logger
	}
	if log == nil {
		log = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &consumer{
		store:    store,
		queue:    queue,
		proc:     proc,
		cfg:      cfg,
		encoder:  encoder,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		txCtx:    context.WithoutCancel(ctx),
		inflight: make(map[string]struct{}),
	}
}

func (c *consumer) start() {
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.pollLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.stallLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.cleanerLoop()
	}()
}

// stop cancels polling and waits for loops and dispatched jobs to return.
// An attempt whose processor finishes during shutdown still commits its
// transition; one interrupted mid-run keeps its processing entry and is
// recovered by a later stall sweep.
func (c *consumer) stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *consumer) pollLoop() {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	c.poll()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.poll()
		}
	}
}

func (c *consumer) poll() {
	now := time.Now()
	stallDeadline := float64(now.Add(c.cfg.StallTimeout).UnixMilli())
	ids, err := c.store.ClaimReady(c.ctx, c.queue, claimCeiling(now), c.cfg.BatchSize, stallDeadline)
	if err != nil {
		if c.ctx.Err() == nil {
			c.log.Warnf("claim failed: queue=%s err=%v", c.queue, err)
		}
		return
	}
	for _, id := range ids {
		if !c.track(id) {
			// already running in this process; the atomic claim prevents
			// cross-process duplication, this guard only covers duplicate
			// local polling
			continue
		}
		c.wg.Add(1)
		go func(id string) {
			defer c.wg.Done()
			defer c.untrack(id)
			c.process(id)
		}(id)
	}
}

func (c *consumer) process(id string) {
	job, err := c.store.GetJob(c.ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			// index entry without a record; drop the claim
			if e := c.store.DropProcessing(c.txCtx, c.queue, id); e != nil && c.ctx.Err() == nil {
				c.log.Warnf("drop orphan claim failed: id=%s queue=%s err=%v", id, c.queue, e)
			}
		} else if c.ctx.Err() == nil {
			c.log.Warnf("load failed: id=%s queue=%s err=%v", id, c.queue, err)
		}
		return
	}

	now := time.Now().UnixMilli()
	job.Status = StatusProcessing
	job.Attempts++
	job.ProcessedAt = now
	job.UpdatedAt = now
	if err := c.store.UpdateJob(c.ctx, job); err != nil {
		// leave the processing entry in place; the stall sweep retries it
		if c.ctx.Err() == nil {
			c.log.Warnf("mark processing failed: id=%s queue=%s err=%v", id, c.queue, err)
		}
		return
	}

	result, procErr := c.invoke(job)
	if procErr != nil {
		c.retryOrDead(job, procErr.Error())
		return
	}
	c.complete(job, result)
}

// invoke runs the processor, converting panics into ordinary failures so a
// misbehaving processor can never take the loop down.
func (c *consumer) invoke(job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return c.proc(c.ctx, job)
}

func (c *consumer) complete(job *Job, result any) {
	now := time.Now().UnixMilli()
	job.Status = StatusCompleted
	job.CompletedAt = now
	job.UpdatedAt = now
	job.Error = ""
	if result != nil {
		if b, err := c.encoder.Encode(result); err != nil {
			c.log.Warnf("result encode failed: id=%s queue=%s err=%v", job.ID, c.queue, err)
		} else {
			job.Result = b
		}
	}
	if err := c.store.CompleteJob(c.txCtx, job, c.cfg.Retention); err != nil {
		if c.ctx.Err() == nil {
			c.log.Errorf("complete transition failed: id=%s queue=%s err=%v", job.ID, c.queue, err)
		}
		return
	}
	c.log.Debugf("processed: id=%s queue=%s attempts=%d", job.ID, c.queue, job.Attempts)
}

// retryOrDead applies the retry policy: reschedule with exponential backoff
// while attempts remain, dead-letter once the budget is exhausted.
func (c *consumer) retryOrDead(job *Job, errMsg string) {
	now := time.Now()
	job.Error = errMsg
	job.UpdatedAt = now.UnixMilli()

	if job.Attempts >= job.MaxAttempts {
		job.Status = StatusFailed
		job.FailedAt = now.UnixMilli()
		if err := c.store.DeadLetter(c.txCtx, job); err != nil {
			if c.ctx.Err() == nil {
				c.log.Errorf("dead-letter transition failed: id=%s queue=%s err=%v", job.ID, c.queue, err)
			}
			return
		}
		c.log.Warnf("dead-lettered: id=%s queue=%s attempts=%d err=%s", job.ID, c.queue, job.Attempts, errMsg)
		return
	}

	job.Status = StatusRetrying
	backoff := backoffFor(job.Attempts, c.cfg.BackoffBase, c.cfg.BackoffMax)
	score := scoreFor(now.Add(backoff), job.Priority)
	if err := c.store.Requeue(c.txCtx, job, score); err != nil {
		if c.ctx.Err() == nil {
			c.log.Errorf("retry transition failed: id=%s queue=%s err=%v", job.ID, c.queue, err)
		}
		return
	}
	c.log.Warnf("retrying: id=%s queue=%s attempt=%d/%d backoff=%s err=%s",
		job.ID, c.queue, job.Attempts, job.MaxAttempts, backoff, errMsg)
}

// stallLoop recovers jobs stuck in processing past their stall deadline:
// the consumer that claimed them crashed or hung, so each is fed back into
// the retry path with a synthetic error.
func (c *consumer) stallLoop() {
	interval := c.cfg.StallTimeout / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweepStalled()
		}
	}
}

func (c *consumer) sweepStalled() {
	now := time.Now()
	ids, err := c.store.ClaimStalled(c.ctx, c.queue, float64(now.UnixMilli()), stallSweepBatch)
	if err != nil {
		if c.ctx.Err() == nil {
			c.log.Warnf("stall sweep failed: queue=%s err=%v", c.queue, err)
		}
		return
	}
	for _, id := range ids {
		if c.tracked(id) {
			// still running in this process: extend the lease instead of
			// recovering a job that has not actually stalled
			deadline := float64(now.Add(c.cfg.StallTimeout).UnixMilli())
			if e := c.store.ExtendProcessing(c.ctx, c.queue, id, deadline); e != nil && c.ctx.Err() == nil {
				c.log.Warnf("lease extend failed: id=%s queue=%s err=%v", id, c.queue, e)
			}
			continue
		}
		job, err := c.store.GetJob(c.ctx, id)
		if err != nil {
			if !errors.Is(err, ErrJobNotFound) && c.ctx.Err() == nil {
				c.log.Warnf("stalled load failed: id=%s queue=%s err=%v", id, c.queue, err)
			}
			continue
		}
		switch job.Status {
		case StatusProcessing:
			c.log.Warnf("stalled: id=%s queue=%s attempts=%d", job.ID, c.queue, job.Attempts)
			c.retryOrDead(job, "stalled")
		case StatusPending, StatusRetrying:
			// claimed but never marked processing: the claimer died (or its
			// record write failed) before the attempt started. The pop above
			// removed its last index entry, so put it straight back in the
			// queue; the attempt never ran, so no attempt is charged.
			if e := c.store.Requeue(c.txCtx, job, scoreFor(now, job.Priority)); e != nil && c.ctx.Err() == nil {
				c.log.Warnf("requeue unmarked claim failed: id=%s queue=%s err=%v", id, c.queue, e)
			}
		}
	}
}

// cleanerLoop purges completed job records once their retention lapses.
func (c *consumer) cleanerLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			nowMs := float64(time.Now().UnixMilli())
			if _, err := c.store.PurgeExpiredCompleted(c.ctx, c.queue, nowMs, stallSweepBatch); err != nil && c.ctx.Err() == nil {
				c.log.Warnf("cleaner: purge failed: queue=%s err=%v", c.queue, err)
			}
		}
	}
}

func (c *consumer) track(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; ok {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *consumer) untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

func (c *consumer) tracked(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[id]
	return ok
}

func (c *consumer) inflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// backoffFor computes min(2^attempts * base, max).
func backoffFor(attempts int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
