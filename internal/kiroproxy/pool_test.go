package kiroproxy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, mode SelectionMode, n int) (*Pool, *CredentialStore) {
	t.Helper()
	store, err := LoadCredentialStore(filepath.Join(t.TempDir(), "creds.json"))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		require.NoError(t, store.Add(&Credential{
			ID:          id,
			AccessToken: "tok-" + id,
			AuthMethod:  AuthMethodSocial,
			Enabled:     true,
			Priority:    i, // "a" gets the lowest (best) priority number
			ExpiresAt:   futureExpiry(),
		}))
	}
	tm := NewTokenManager(store, nil)
	return NewPool(store, tm, mode), store
}

func futureExpiry() (t time.Time) {
	return time.Now().Add(time.Hour)
}

func TestPoolPriorityModePicksLowestPriorityNumberFirst(t *testing.T) {
	p, _ := newTestPool(t, SelectionPriority, 3)
	state := p.NewAttempt()

	lease, err := p.Lease(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "a", lease.CredentialID) // priorities 0, 1, 2 -> "a" (0) sorts first
}

func TestPoolPriorityModeTiebreaksByIDAscending(t *testing.T) {
	store, err := LoadCredentialStore(filepath.Join(t.TempDir(), "creds.json"))
	require.NoError(t, err)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, store.Add(&Credential{
			ID:          id,
			AccessToken: "tok-" + id,
			AuthMethod:  AuthMethodSocial,
			Enabled:     true,
			Priority:    5, // all tied
			ExpiresAt:   futureExpiry(),
		}))
	}
	tm := NewTokenManager(store, nil)
	p := NewPool(store, tm, SelectionPriority)
	state := p.NewAttempt()

	lease, err := p.Lease(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "a", lease.CredentialID)
}

// The pool must never exceed 3 attempts on one credential or 9 attempts
// total for a single request, regardless of how failures are reported.
func TestPoolRetryBudgetBound(t *testing.T) {
	p, _ := newTestPool(t, SelectionPriority, 1)
	state := p.NewAttempt()

	for i := 0; i < maxAttemptsPerCredential; i++ {
		lease, err := p.Lease(context.Background(), state)
		require.NoError(t, err)
		p.Report(lease, OutcomeTransientFailure)
	}

	_, err := p.Lease(context.Background(), state)
	assert.Error(t, err)
}

func TestPoolTotalBudgetBound(t *testing.T) {
	p, _ := newTestPool(t, SelectionPriority, 5)
	state := p.NewAttempt()

	leases := 0
	for i := 0; i < 100; i++ {
		lease, err := p.Lease(context.Background(), state)
		if err != nil {
			break
		}
		leases++
		p.Report(lease, OutcomeTransientFailure)
	}
	assert.LessOrEqual(t, leases, maxTotalAttempts)
}

func TestPoolPrefersUnusedCredentialOnFailover(t *testing.T) {
	p, _ := newTestPool(t, SelectionPriority, 2)
	state := p.NewAttempt()

	first, err := p.Lease(context.Background(), state)
	require.NoError(t, err)
	p.Report(first, OutcomeTransientFailure)

	second, err := p.Lease(context.Background(), state)
	require.NoError(t, err)
	assert.NotEqual(t, first.CredentialID, second.CredentialID)
}

// Balanced mode round-robins over the eligible set via a persistent cursor,
// so N draws over K equally-eligible credentials must land exactly N/K on
// each one, not just "every credential gets used eventually".
func TestPoolBalancedModeRoundRobinsExactly(t *testing.T) {
	p, _ := newTestPool(t, SelectionBalanced, 4)

	counts := make(map[string]int)
	for i := 0; i < 200; i++ {
		state := p.NewAttempt()
		lease, err := p.Lease(context.Background(), state)
		require.NoError(t, err)
		counts[lease.CredentialID]++
	}

	assert.Len(t, counts, 4, "balanced mode should use every eligible credential")
	for id, c := range counts {
		assert.Equal(t, 50, c, "credential %s should receive exactly 200/4 draws", id)
	}
}

// The cursor must persist across requests rather than resetting, so a
// non-multiple-of-K draw count still lands within the ceil/floor fairness
// bound instead of clustering on the first candidate every time.
func TestPoolBalancedModeCursorPersistsAcrossRequests(t *testing.T) {
	p, _ := newTestPool(t, SelectionBalanced, 3)

	var order []string
	for i := 0; i < 7; i++ {
		state := p.NewAttempt()
		lease, err := p.Lease(context.Background(), state)
		require.NoError(t, err)
		order = append(order, lease.CredentialID)
	}

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a"}, order)
}

func TestPoolReportSuccessResetsFailureCount(t *testing.T) {
	p, store := newTestPool(t, SelectionPriority, 1)
	state := p.NewAttempt()

	before := time.Now()
	lease, err := p.Lease(context.Background(), state)
	require.NoError(t, err)
	p.Report(lease, OutcomeTransientFailure)
	p.Report(lease, OutcomeSuccess)

	cred, ok := store.Get(lease.CredentialID)
	require.True(t, ok)
	assert.Equal(t, int64(0), cred.FailureCount)
	assert.Equal(t, int64(1), cred.SuccessCount)
	assert.False(t, cred.LastUsed.Before(before), "a successful attempt should update LastUsed")
}

func TestPoolFatalFailureDisablesCredential(t *testing.T) {
	p, store := newTestPool(t, SelectionPriority, 1)
	state := p.NewAttempt()

	lease, err := p.Lease(context.Background(), state)
	require.NoError(t, err)
	p.Report(lease, OutcomeFatalFailure)

	cred, ok := store.Get(lease.CredentialID)
	require.True(t, ok)
	assert.False(t, cred.Enabled)

	_, err = p.Lease(context.Background(), p.NewAttempt())
	assert.ErrorIs(t, err, ErrNoCredentials)
}
