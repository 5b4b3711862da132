package taskline

import "errors"

// ErrEmptyQueueName is returned when Enqueue is called with an empty queue name.
var ErrEmptyQueueName = errors.New("taskline: empty queue name")

// ErrInvalidMaxAttempts is returned when Enqueue is called with maxAttempts < 1.
var ErrInvalidMaxAttempts = errors.New("taskline: max attempts must be >= 1")

// ErrNegativeDelay is returned when Enqueue is called with a negative delay.
var ErrNegativeDelay = errors.New("taskline: delay must be >= 0")

// ErrJobNotFound is returned when no job record exists for the given ID.
var ErrJobNotFound = errors.New("taskline: job not found")

// ErrNotFailed is returned when RetryJob is called on a job that is not dead-lettered.
var ErrNotFailed = errors.New("taskline: job is not in failed state")

// ErrUnknownStatus is returned when an invalid status string is used.
var ErrUnknownStatus = errors.New("taskline: unknown status")

// ErrUnknownPriority is returned when an invalid priority name is used.
var ErrUnknownPriority = errors.New("taskline: unknown priority")

// ErrConsumerRunning is returned when StartConsumer is called for a queue
// that already has a consumer in this process.
var ErrConsumerRunning = errors.New("taskline: consumer already running for queue")

// ErrConsumerNotRunning is returned when StopConsumer is called for a queue
// without a consumer in this process.
var ErrConsumerNotRunning = errors.New("taskline: no consumer running for queue")

// ErrNilProcessor is returned when StartConsumer is called without a processor.
var ErrNilProcessor = errors.New("taskline: nil processor")
