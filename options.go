package taskline

import "time"

type enqueueOptions struct {
	priority    Priority
	delay       time.Duration
	maxAttempts int
}

func defaultEnqueueOptions() *enqueueOptions {
	return &enqueueOptions{
		priority:    PriorityNormal,
		maxAttempts: 3,
	}
}

// EnqueueOption configures job behavior during Enqueue.
type EnqueueOption func(*enqueueOptions)

// WithPriority sets the job priority. Defaults to PriorityNormal.
func WithPriority(p Priority) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = p
	}
}

// WithDelay schedules the job to become claimable only after the given
// duration has elapsed.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.delay = d
	}
}

// WithMaxAttempts sets the maximum number of processing attempts before the
// job is dead-lettered. Defaults to 3.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.maxAttempts = n
	}
}
