package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/angelmondragon/payment-reconciler/pkg/enums"
)

// Summary is the structured report of one cycle.
type Summary struct {
	CycleID      string    `json:"cycle_id"`
	StartedAt    time.Time `json:"started_at"`
	Candidates   int       `json:"candidates"`
	Verified     int       `json:"verified"`
	Failed       int       `json:"failed"`
	Expired      int       `json:"expired"`
	ManualReview int       `json:"manual_review"`
	StillPending int       `json:"still_pending"`
	Skipped      int       `json:"skipped"`
	Errors       int       `json:"errors"`
	DurationMS   int64     `json:"duration_ms"`
}

// Cycle is the state scoped to one run: its id, outcome counters and the
// credential owners that failed or succeeded authorization during the run.
type Cycle struct {
	ID        string
	StartedAt time.Time

	mu         sync.Mutex
	summary    Summary
	authFailed map[string]struct{}
	authOK     map[string]struct{}
}

func newCycle(id string, startedAt time.Time) *Cycle {
	return &Cycle{
		ID:         id,
		StartedAt:  startedAt,
		summary:    Summary{CycleID: id, StartedAt: startedAt},
		authFailed: map[string]struct{}{},
		authOK:     map[string]struct{}{},
	}
}

func (c *Cycle) record(outcome enums.VerificationOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch outcome {
	case enums.OutcomeCompleted:
		c.summary.Verified++
	case enums.OutcomeFailed:
		c.summary.Failed++
	case enums.OutcomeExpired:
		c.summary.Expired++
	case enums.OutcomeManualReview:
		c.summary.ManualReview++
	case enums.OutcomeStillPending:
		c.summary.StillPending++
	case enums.OutcomeSkipped:
		c.summary.Skipped++
	default:
		c.summary.Errors++
	}
}

func (c *Cycle) setCandidates(n int) {
	c.mu.Lock()
	c.summary.Candidates = n
	c.mu.Unlock()
}

func (c *Cycle) markAuthFailure(ownerKey string) {
	if ownerKey == "" {
		return
	}
	c.mu.Lock()
	c.authFailed[ownerKey] = struct{}{}
	c.mu.Unlock()
}

func (c *Cycle) markAuthSuccess(ownerKey string) {
	if ownerKey == "" {
		return
	}
	c.mu.Lock()
	c.authOK[ownerKey] = struct{}{}
	c.mu.Unlock()
}

// authOwners returns owners that failed at least once this cycle and owners
// that only ever succeeded.
func (c *Cycle) authOwners() (failed, succeeded []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for owner := range c.authFailed {
		failed = append(failed, owner)
	}
	for owner := range c.authOK {
		if _, bad := c.authFailed[owner]; !bad {
			succeeded = append(succeeded, owner)
		}
	}
	sort.Strings(failed)
	sort.Strings(succeeded)
	return failed, succeeded
}

// Snapshot returns a copy of the counters so far.
func (c *Cycle) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

func (c *Cycle) finish(at time.Time) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.DurationMS = at.Sub(c.StartedAt).Milliseconds()
	return c.summary
}
