package kiroproxy

import (
	"log"
	"sync"
	"time"
)

const (
	cooldownBaseDelay = 30 * time.Second
	cooldownThreshold = 3
	cooldownMax       = 30 * time.Minute
)

// cooldownFor computes 30s * 2^(failureCount-3), capped at 30 minutes.
// Below the failure-count threshold there is no cooldown at all: a couple
// of transient failures shouldn't take a credential out of rotation.
func cooldownFor(failureCount int64) time.Duration {
	if failureCount < cooldownThreshold {
		return 0
	}
	shift := failureCount - cooldownThreshold
	if shift > 10 {
		return cooldownMax
	}
	d := cooldownBaseDelay * time.Duration(int64(1)<<uint(shift))
	if d <= 0 || d > cooldownMax {
		return cooldownMax
	}
	return d
}

// cooldownTracker applies the escalating cooldown to a credential id once
// its failure count crosses the threshold. It is deliberately narrower
// than the teacher's multi-provider cooldown manager: one key (credential
// id), no client-type dimension, no database persistence, since a
// cooldown that resets on process restart is an acceptable simplification
// for a single-upstream proxy.
type cooldownTracker struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newCooldownTracker() *cooldownTracker {
	return &cooldownTracker{until: make(map[string]time.Time)}
}

// RecordFailure applies the escalating cooldown for id given its updated
// failure count and returns the cooldown end time (zero if none applies).
func (t *cooldownTracker) RecordFailure(id string, failureCount int64) time.Time {
	d := cooldownFor(failureCount)
	if d == 0 {
		return time.Time{}
	}
	until := time.Now().Add(d)
	t.mu.Lock()
	t.until[id] = until
	t.mu.Unlock()
	log.Printf("[pool] credential %s cooling down for %s (failureCount=%d)", id, d, failureCount)
	return until
}

// RecordSuccess clears any cooldown for id.
func (t *cooldownTracker) RecordSuccess(id string) {
	t.mu.Lock()
	delete(t.until, id)
	t.mu.Unlock()
}

// InCooldown reports whether id is currently cooling down, lazily
// expiring stale entries as it checks them.
func (t *cooldownTracker) InCooldown(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.until[id]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(t.until, id)
		return false
	}
	return true
}
