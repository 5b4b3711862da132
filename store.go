package taskline

import (
	"context"
	"time"
)

// Store is the backing-store contract shared by producers and consumers.
// It is the only shared mutable state in the system: job records keyed by
// ID plus four per-queue sorted indexes (pending, processing, dead,
// completed) and a completed counter.
//
// The pending index is scored with the scheduling score (see score.go);
// the processing index with the stall deadline in milliseconds; the dead
// index with the failure timestamp in milliseconds; the completed index
// with the retention purge timestamp in milliseconds.
//
// Every method that touches more than one key must apply its writes as a
// unit: a failure leaves no partial state behind. ClaimReady and
// ClaimStalled are the correctness-critical primitives — two concurrent
// callers must never receive the same ID.
type Store interface {
	// EnqueueJob durably writes the job record and inserts its ID into the
	// queue's pending index at the given score, as a single unit. A job is
	// visible to consumers only once both writes have landed.
	EnqueueJob(ctx context.Context, job *Job, score float64) error

	// UpdateJob overwrites the job record.
	UpdateJob(ctx context.Context, job *Job) error

	// GetJob loads the job record, returning ErrJobNotFound if absent.
	GetJob(ctx context.Context, id string) (*Job, error)

	// DeleteJob removes the job record. Index entries are not touched.
	DeleteJob(ctx context.Context, id string) error

	// ClaimReady atomically pops up to count IDs whose score is <= ceiling
	// from the pending index and registers each in the processing index at
	// stallDeadline. Removal and registration happen in the same atomic
	// operation that selects the IDs.
	ClaimReady(ctx context.Context, queue string, ceiling float64, count int, stallDeadline float64) ([]string, error)

	// ClaimStalled atomically pops up to count IDs whose stall deadline is
	// <= ceiling from the processing index.
	ClaimStalled(ctx context.Context, queue string, ceiling float64, count int) ([]string, error)

	// DropProcessing removes a single ID from the processing index without
	// any other transition. Used when a claimed ID has no record behind it.
	DropProcessing(ctx context.Context, queue, id string) error

	// ExtendProcessing re-registers an in-flight ID in the processing index
	// at a new stall deadline.
	ExtendProcessing(ctx context.Context, queue, id string, stallDeadline float64) error

	// Requeue persists the record and moves its ID from the processing
	// index back into the pending index at the given score, as a unit.
	Requeue(ctx context.Context, job *Job, score float64) error

	// CompleteJob persists the record with a retention TTL, removes its ID
	// from the processing index, adds it to the completed index scored at
	// the purge time, and increments the completed counter, as a unit.
	CompleteJob(ctx context.Context, job *Job, retention time.Duration) error

	// DeadLetter persists the record, removes its ID from the processing
	// index, and adds it to the dead index scored at job.FailedAt, as a unit.
	DeadLetter(ctx context.Context, job *Job) error

	// RetryDead persists the record, removes its ID from the dead index,
	// and re-inserts it into the pending index at the given score, as a unit.
	RetryDead(ctx context.Context, job *Job, score float64) error

	// PendingIDs returns up to limit IDs from the pending index in score order.
	PendingIDs(ctx context.Context, queue string, limit int64) ([]string, error)
	// ProcessingIDs returns up to limit IDs from the processing index in
	// stall-deadline order.
	ProcessingIDs(ctx context.Context, queue string, limit int64) ([]string, error)
	// DeadIDs returns up to limit IDs from the dead index in failure order.
	DeadIDs(ctx context.Context, queue string, limit int64) ([]string, error)
	// CompletedIDs returns up to limit IDs from the completed index in
	// purge-time order.
	CompletedIDs(ctx context.Context, queue string, limit int64) ([]string, error)

	// PendingCount returns the pending index cardinality.
	PendingCount(ctx context.Context, queue string) (int64, error)
	// ProcessingCount returns the processing index cardinality.
	ProcessingCount(ctx context.Context, queue string) (int64, error)
	// DeadCount returns the dead index cardinality.
	DeadCount(ctx context.Context, queue string) (int64, error)
	// CompletedCount returns the completed counter value.
	CompletedCount(ctx context.Context, queue string) (int64, error)

	// PurgeExpiredCompleted deletes up to count completed job records whose
	// purge time is <= ceiling (ms), along with their index entries. It
	// returns the number purged.
	PurgeExpiredCompleted(ctx context.Context, queue string, ceiling float64, count int) (int, error)

	// Purge removes the queue's pending, processing and completed indexes,
	// their job records and the completed counter. The dead index and its
	// records are removed only when includeDead is set.
	Purge(ctx context.Context, queue string, includeDead bool) error
}
