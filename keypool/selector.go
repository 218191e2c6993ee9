package keypool

import (
	"sort"
	"time"
)

// UsageHint maps key index to total tokens consumed over the recent window
// (two hours, supplied by the usage store). Missing indices count as zero;
// a nil hint is valid on cold paths.
type UsageHint map[int]int64

// Select picks the next key for an attempt: the eligible key with the lowest
// recent usage, ties broken by the smallest index. Deterministic for a given
// table state, exclude set and hint; never returns an excluded or penalized
// key.
func Select(t *Table, now time.Time, exclude map[int]bool, hint UsageHint) (int, error) {
	eligible := t.EligibleIndices(now, exclude)
	if len(eligible) == 0 {
		return 0, ErrNoKeyAvailable
	}

	sort.Slice(eligible, func(a, b int) bool {
		ua, ub := hint[eligible[a]], hint[eligible[b]]
		if ua != ub {
			return ua < ub
		}
		return eligible[a] < eligible[b]
	})
	return eligible[0], nil
}
