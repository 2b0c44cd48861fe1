package kiroproxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCooldownForBelowThreshold(t *testing.T) {
	assert.Equal(t, time.Duration(0), cooldownFor(0))
	assert.Equal(t, time.Duration(0), cooldownFor(2))
}

func TestCooldownForExponentialGrowth(t *testing.T) {
	assert.Equal(t, 30*time.Second, cooldownFor(3))
	assert.Equal(t, 60*time.Second, cooldownFor(4))
	assert.Equal(t, 120*time.Second, cooldownFor(5))
}

func TestCooldownForCapsAtThirtyMinutes(t *testing.T) {
	assert.Equal(t, cooldownMax, cooldownFor(20))
	assert.Equal(t, cooldownMax, cooldownFor(1000))
}

func TestCooldownTrackerLifecycle(t *testing.T) {
	tr := newCooldownTracker()
	assert.False(t, tr.InCooldown("a"))

	until := tr.RecordFailure("a", 3)
	assert.False(t, until.IsZero())
	assert.True(t, tr.InCooldown("a"))

	tr.RecordSuccess("a")
	assert.False(t, tr.InCooldown("a"))
}

func TestCooldownTrackerBelowThresholdNeverCoolsDown(t *testing.T) {
	tr := newCooldownTracker()
	until := tr.RecordFailure("a", 1)
	assert.True(t, until.IsZero())
	assert.False(t, tr.InCooldown("a"))
}
