package keypool

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoKeyAvailable is returned when every key is penalized or excluded.
	ErrNoKeyAvailable = errors.New("keypool: no API key available")
	// ErrIndexOutOfRange is returned for operations on unknown key indices.
	ErrIndexOutOfRange = errors.New("keypool: key index out of range")
)

// RecordState is the mutable status of one key, copied out as a unit so
// callers never observe a torn read between Available and PenaltyUntil.
// The secret itself lives outside this struct and is never serialized.
type RecordState struct {
	Index           int        `json:"index"`
	Available       bool       `json:"available"`
	PenaltyUntil    *time.Time `json:"penalty_until"`
	BackoffLevel    int        `json:"backoff_level"`
	LastErrorStatus *int       `json:"last_error_status"`
	LastErrorAt     *time.Time `json:"last_error_at"`
	NextProbeAt     *time.Time `json:"-"`
}

// Penalized reports whether the record is inside an active cooldown.
func (s *RecordState) Penalized(now time.Time) bool {
	return s.PenaltyUntil != nil && s.PenaltyUntil.After(now)
}

type record struct {
	mu    sync.Mutex
	key   string // immutable for the process lifetime
	state RecordState
}

// Table is the authoritative in-memory state for the configured keys. Each
// record is guarded by its own mutex; critical sections are short CPU-only
// updates and never suspend. Availability and penalty expiry always mutate
// inside the same critical section.
type Table struct {
	records []*record
}

func NewTable(keys []string) (*Table, error) {
	if len(keys) == 0 {
		return nil, errors.New("keypool: at least one API key must be configured")
	}
	records := make([]*record, len(keys))
	for i, k := range keys {
		records[i] = &record{
			key:   k,
			state: RecordState{Index: i, Available: true},
		}
	}
	return &Table{records: records}, nil
}

func (t *Table) Len() int {
	return len(t.records)
}

// Key returns the secret for a key index, for building upstream requests.
func (t *Table) Key(index int) (string, bool) {
	if index < 0 || index >= len(t.records) {
		return "", false
	}
	return t.records[index].key, true
}

// Get copies out one record's state, reactivating it first if its penalty
// has lapsed so that Available always matches the penalty clock.
func (t *Table) Get(index int, now time.Time) (RecordState, error) {
	if index < 0 || index >= len(t.records) {
		return RecordState{}, ErrIndexOutOfRange
	}
	r := t.records[index]
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reactivateLocked(now)
	return r.state, nil
}

// Snapshot copies out every record. Each record is locked only for the copy.
func (t *Table) Snapshot(now time.Time) []RecordState {
	out := make([]RecordState, len(t.records))
	for i, r := range t.records {
		r.mu.Lock()
		r.reactivateLocked(now)
		out[i] = r.state
		r.mu.Unlock()
	}
	return out
}

// EligibleIndices returns the indices selectable right now, minus exclude.
func (t *Table) EligibleIndices(now time.Time, exclude map[int]bool) []int {
	var eligible []int
	for i, r := range t.records {
		if exclude[i] {
			continue
		}
		r.mu.Lock()
		r.reactivateLocked(now)
		if r.state.Available {
			eligible = append(eligible, i)
		}
		r.mu.Unlock()
	}
	return eligible
}

// AvailableCount reports how many keys are currently selectable.
func (t *Table) AvailableCount(now time.Time) int {
	return len(t.EligibleIndices(now, nil))
}

// reactivateLocked flips a record back to available once its cooldown has
// lapsed. Backoff level and last-error fields survive until a successful
// probe or an operator reset clears them. Caller holds r.mu.
func (r *record) reactivateLocked(now time.Time) {
	if !r.state.Available && r.state.PenaltyUntil != nil && !r.state.PenaltyUntil.After(now) {
		r.state.Available = true
	}
}

// MarkRateLimited applies a rate-limit penalty: the backoff level advances by
// one (saturating) and the cooldown is taken from the ladder, extended by
// floor when the upstream announced a longer reset window.
//
// Concurrent penalties for the same window must count once: if the key is
// already inside an active cooldown, the later writer is a no-op — the first
// writer won the increment.
func (t *Table) MarkRateLimited(index int, status int, now time.Time, floor time.Duration) (RecordState, error) {
	if index < 0 || index >= len(t.records) {
		return RecordState{}, ErrIndexOutOfRange
	}
	r := t.records[index]
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Penalized(now) {
		return r.state, nil
	}

	level := NextBackoffLevel(r.state.BackoffLevel)
	until := RateLimitDeadline(level, now, floor)
	r.state.BackoffLevel = level
	r.state.Available = false
	r.state.PenaltyUntil = &until
	r.state.LastErrorStatus = &status
	at := now
	r.state.LastErrorAt = &at
	probe := until
	r.state.NextProbeAt = &probe
	return r.state, nil
}

// MarkTransient applies the fixed short penalty for 5xx and local failures.
// The backoff level is untouched, and an existing longer cooldown is never
// shortened.
func (t *Table) MarkTransient(index int, status int, now time.Time) (RecordState, error) {
	if index < 0 || index >= len(t.records) {
		return RecordState{}, ErrIndexOutOfRange
	}
	r := t.records[index]
	r.mu.Lock()
	defer r.mu.Unlock()

	until := TransientDeadline(now)
	if r.state.PenaltyUntil != nil && !until.After(*r.state.PenaltyUntil) {
		return r.state, nil
	}

	r.state.Available = false
	r.state.PenaltyUntil = &until
	if status > 0 {
		r.state.LastErrorStatus = &status
	} else {
		r.state.LastErrorStatus = nil
	}
	at := now
	r.state.LastErrorAt = &at
	probe := until
	r.state.NextProbeAt = &probe
	return r.state, nil
}

// Penalize re-applies the cooldown for the record's current backoff level
// without advancing it. Used for the operator-initiated penalty endpoint.
func (t *Table) Penalize(index int, now time.Time) (RecordState, error) {
	if index < 0 || index >= len(t.records) {
		return RecordState{}, ErrIndexOutOfRange
	}
	r := t.records[index]
	r.mu.Lock()
	defer r.mu.Unlock()

	until := now.Add(LadderDuration(r.state.BackoffLevel))
	r.state.Available = false
	r.state.PenaltyUntil = &until
	probe := until
	r.state.NextProbeAt = &probe
	return r.state, nil
}

// MarkHealthy records a successful probe: the key becomes available, the
// backoff level resets to zero and error history is cleared.
func (t *Table) MarkHealthy(index int) error {
	if index < 0 || index >= len(t.records) {
		return ErrIndexOutOfRange
	}
	r := t.records[index]
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.Available = true
	r.state.PenaltyUntil = nil
	r.state.BackoffLevel = 0
	r.state.LastErrorStatus = nil
	r.state.LastErrorAt = nil
	r.state.NextProbeAt = nil
	return nil
}

// Reset is the operator action: identical to a successful probe, applied
// unconditionally. Applying it twice equals applying it once.
func (t *Table) Reset(index int) error {
	return t.MarkHealthy(index)
}
