// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
package keys

// Job returns the key holding the serialized job record for an ID.
func Job(id string) string { return "taskline:job:" + id }

func Pending(q string) string    { return "taskline:{" + q + "}:pending" }
func Processing(q string) string { return "taskline:{" + q + "}:processing" }
func Dead(q string) string       { return "taskline:{" + q + "}:dead" }
func Completed(q string) string  { return "taskline:{" + q + "}:completed" }

// CompletedCount is a plain counter incremented once per completed job.
func CompletedCount(q string) string { return "taskline:{" + q + "}:completed_count" }

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Pending        string
	Processing     string
	Dead           string
	Completed      string
	CompletedCount string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) Queue {
	prefix := "taskline:{" + q + "}:"
	return Queue{
		Pending:        prefix + "pending",
		Processing:     prefix + "processing",
		Dead:           prefix + "dead",
		Completed:      prefix + "completed",
		CompletedCount: prefix + "completed_count",
	}
}
