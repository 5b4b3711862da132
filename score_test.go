package taskline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScore_PriorityOrderingAtSameInstant(t *testing.T) {
	at := time.Now()
	crit := scoreFor(at, PriorityCritical)
	high := scoreFor(at, PriorityHigh)
	normal := scoreFor(at, PriorityNormal)
	low := scoreFor(at, PriorityLow)

	require.Less(t, crit, high)
	require.Less(t, high, normal)
	require.Less(t, normal, low)
}

func TestScore_TimeDominatesPriority(t *testing.T) {
	at := time.Now()
	// a low-priority job ready 1ms earlier still wins over a critical one
	earlierLow := scoreFor(at, PriorityLow)
	laterCrit := scoreFor(at.Add(time.Millisecond), PriorityCritical)
	require.Less(t, earlierLow, laterCrit)
}

func TestScore_ClaimCeiling(t *testing.T) {
	now := time.Now()
	ceiling := claimCeiling(now)

	// every priority ready at or before now is eligible
	require.LessOrEqual(t, scoreFor(now, PriorityLow), ceiling)
	require.LessOrEqual(t, scoreFor(now.Add(-time.Hour), PriorityCritical), ceiling)

	// nothing ready in the next millisecond or later is eligible
	require.Greater(t, scoreFor(now.Add(time.Millisecond), PriorityCritical), ceiling)
}

func TestScore_ExactlyRepresentable(t *testing.T) {
	// scores must stay below 2^53 so float64 ZSET scores are exact integers
	far := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	score := scoreFor(far, PriorityLow)
	require.Less(t, score, float64(int64(1)<<53))
	require.Equal(t, score, float64(int64(score)))
}
