package kiroproxy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SelectionMode picks how the Pool orders candidate credentials.
type SelectionMode int

const (
	// SelectionPriority always tries the lowest-Priority-number enabled,
	// not-cooling-down credential first (ties break by id, ascending).
	SelectionPriority SelectionMode = iota
	// SelectionBalanced round-robins over the eligible set via a cursor
	// that persists across requests, so load spreads evenly across
	// credentials of equal standing instead of favoring one.
	SelectionBalanced
)

const (
	maxAttemptsPerCredential = 3
	maxTotalAttempts         = 9
)

// Pool leases credentials for upstream attempts and tracks the outcome of
// each one, applying cooldown backoff and a bounded per-request retry
// budget across the whole pool.
type Pool struct {
	mu       sync.Mutex
	store    *CredentialStore
	tokens   *TokenManager
	cooldown *cooldownTracker
	mode     SelectionMode
	cursor   int
}

// NewPool wires a Pool over store and tokens using mode for candidate
// ordering.
func NewPool(store *CredentialStore, tokens *TokenManager, mode SelectionMode) *Pool {
	return &Pool{
		store:    store,
		tokens:   tokens,
		cooldown: newCooldownTracker(),
		mode:     mode,
	}
}

// attemptState tracks the retry budget across one client request.
type attemptState struct {
	total    int
	perCred  map[string]int
	excluded map[string]bool
}

// NewAttempt starts a fresh retry-budget tracker for one client request.
func (p *Pool) NewAttempt() *attemptState {
	return &attemptState{perCred: make(map[string]int), excluded: make(map[string]bool)}
}

// Lease selects the best eligible credential not yet exhausted by state,
// acquires a valid access token for it, and returns a Lease. It returns
// ErrRetryBudgetSpent once 9 attempts have been made for the request, and
// ErrNoCredentials when nothing is eligible; a credential that has used
// its 3 attempts is no longer eligible, so running every credential out
// of attempts also ends in ErrNoCredentials. A rejected token refresh
// disables the credential before its error is returned.
func (p *Pool) Lease(ctx context.Context, state *attemptState) (*Lease, error) {
	if state.total >= maxTotalAttempts {
		return nil, ErrRetryBudgetSpent
	}

	cred, err := p.pick(state)
	if err != nil {
		return nil, err
	}

	token, err := p.tokens.Acquire(ctx, cred)
	if err != nil {
		var af *AuthFailure
		if isAuthFailure(err, &af) {
			p.Report(&Lease{CredentialID: cred.ID}, OutcomeFatalFailure)
		}
		return nil, err
	}

	state.total++
	state.perCred[cred.ID]++

	return &Lease{
		CredentialID: cred.ID,
		AccessToken:  token,
		ProfileArn:   cred.ProfileArn,
		AuthRegion:   cred.AuthRegion,
		APIRegion:    cred.APIRegion,
	}, nil
}

// pick returns the best candidate not excluded by state, per p.mode.
func (p *Pool) pick(state *attemptState) (*Credential, error) {
	candidates := p.eligible(state)
	if len(candidates) == 0 {
		return nil, ErrNoCredentials
	}

	switch p.mode {
	case SelectionBalanced:
		p.mu.Lock()
		idx := p.cursor % len(candidates)
		p.cursor++
		p.mu.Unlock()
		return candidates[idx], nil
	default: // SelectionPriority
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority < candidates[j].Priority
			}
			return candidates[i].ID < candidates[j].ID
		})
		return candidates[0], nil
	}
}

// eligible returns every enabled, not-cooling-down credential that still
// has retry budget left under state, preferring credentials the caller
// hasn't already used this request when an alternative exists.
func (p *Pool) eligible(state *attemptState) []*Credential {
	all := p.store.List()

	var withBudget []*Credential
	for _, c := range all {
		if !c.Enabled || p.cooldown.InCooldown(c.ID) {
			continue
		}
		if state.perCred[c.ID] >= maxAttemptsPerCredential {
			continue
		}
		withBudget = append(withBudget, c)
	}

	var unused []*Credential
	for _, c := range withBudget {
		if state.perCred[c.ID] == 0 {
			unused = append(unused, c)
		}
	}
	if len(unused) > 0 {
		return unused
	}
	return withBudget
}

// Report records the outcome of an attempt made with lease, updating the
// success/failure counters, clearing or applying cooldown, and persisting
// the change.
func (p *Pool) Report(lease *Lease, outcome Outcome) {
	switch outcome {
	case OutcomeSuccess:
		p.cooldown.RecordSuccess(lease.CredentialID)
		_ = p.store.Patch(lease.CredentialID, func(c *Credential) {
			c.SuccessCount++
			c.FailureCount = 0
			c.LastUsed = time.Now()
		})
	case OutcomeTransientFailure, OutcomeFatalFailure:
		var failureCount int64
		_ = p.store.Patch(lease.CredentialID, func(c *Credential) {
			c.FailureCount++
			failureCount = c.FailureCount
			if outcome == OutcomeFatalFailure {
				c.Enabled = false
			}
		})
		if outcome == OutcomeTransientFailure {
			p.cooldown.RecordFailure(lease.CredentialID, failureCount)
		}
	}
}
