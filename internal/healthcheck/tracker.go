package healthcheck

import (
	"sync"
	"time"
)

// Snapshot describes the latest cycle timing details.
type Snapshot struct {
	LastCycleTime      *time.Time `json:"last_cycle_time"`
	CycleDurationMS    int64      `json:"cycle_duration_ms"`
	DeploymentsChecked int        `json:"deployments_checked"`
	ZombieCandidates   int        `json:"zombie_candidates"`
	LastZombieScan     *time.Time `json:"last_zombie_scan,omitempty"`
}

// Tracker records reconciliation and zombie scan timing for health endpoints.
type Tracker struct {
	mu                 sync.RWMutex
	lastCycle          time.Time
	cycleDuration      time.Duration
	deploymentsChecked int
	lastZombieScan     time.Time
	zombies            int
	ready              bool
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordCycle updates reconciliation timing and readiness.
func (t *Tracker) RecordCycle(duration time.Duration, deploymentsChecked int) {
	if t == nil {
		return
	}
	now := time.Now().UTC()
	t.mu.Lock()
	t.lastCycle = now
	t.cycleDuration = duration
	t.deploymentsChecked = deploymentsChecked
	t.ready = true
	t.mu.Unlock()
}

// RecordZombieScan stores the candidate count of the last zombie scan. It does
// not affect readiness.
func (t *Tracker) RecordZombieScan(candidates int) {
	if t == nil {
		return
	}
	now := time.Now().UTC()
	t.mu.Lock()
	t.lastZombieScan = now
	t.zombies = candidates
	t.mu.Unlock()
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Snapshot{
		LastCycleTime:      timePtr(t.lastCycle),
		CycleDurationMS:    int64(t.cycleDuration / time.Millisecond),
		DeploymentsChecked: t.deploymentsChecked,
		ZombieCandidates:   t.zombies,
		LastZombieScan:     timePtr(t.lastZombieScan),
	}
}

func timePtr(v time.Time) *time.Time {
	if v.IsZero() {
		return nil
	}
	return &v
}

// Ready reports whether at least one successful reconciliation has completed.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Healthy reports whether the last reconciliation completed within 2x the interval.
func (t *Tracker) Healthy(now time.Time, interval time.Duration) bool {
	if t == nil {
		return false
	}
	if interval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastCycle.IsZero() {
		return false
	}
	return now.Sub(t.lastCycle) <= 2*interval
}
