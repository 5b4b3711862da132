package taskline

import "time"

// Scheduling scores order each queue's pending ZSET. A job's score is its
// ready time in milliseconds scaled up, plus its priority number. Time
// dominates, and among jobs ready within the same millisecond a lower
// priority number (more urgent) sorts strictly first. Scores stay well
// below 2^53, so float64 ZSET scores hold them exactly. Equal scores order
// lexicographically by job ID, which is deterministic.
const (
	scoreScale    = 1024
	scoreTieSlack = scoreScale - 1
)

// scoreFor computes the scheduling score for a job that becomes ready at
// the given time with the given priority.
func scoreFor(readyAt time.Time, p Priority) float64 {
	return float64(readyAt.UnixMilli()*scoreScale + int64(p))
}

// claimCeiling returns the highest score eligible for claiming at the given
// time: every job whose ready millisecond has arrived, at any priority.
func claimCeiling(now time.Time) float64 {
	return float64(now.UnixMilli()*scoreScale + scoreTieSlack)
}
