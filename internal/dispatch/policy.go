package dispatch

import (
	"net/http"
	"slices"
	"time"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDiscard Outcome = "discard"
	OutcomeFailed  Outcome = "failed"
)

type Result struct {
	Outcome  Outcome
	Attempts int
	Status   int
	Header   http.Header
	Body     []byte
	Err      error
}

// Policy is the replay policy. Conflict statuses are the only failures
// treated as terminal; everything else is assumed transient.
type Policy struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	ConflictStatuses []int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		BaseDelay:        time.Second,
		ConflictStatuses: []int{http.StatusConflict, http.StatusPreconditionFailed},
	}
}

func (p Policy) normalized() Policy {
	defaults := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.ConflictStatuses == nil {
		p.ConflictStatuses = defaults.ConflictStatuses
	}
	return p
}

// Classify reports the terminal outcome for status, or false when the
// attempt should be retried.
func (p Policy) Classify(status int) (Outcome, bool) {
	switch {
	case status >= 200 && status <= 299:
		return OutcomeSuccess, true
	case slices.Contains(p.ConflictStatuses, status):
		return OutcomeDiscard, true
	default:
		return "", false
	}
}

// Backoff is the wait after failed attempt n (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return time.Duration(attempt) * p.BaseDelay
}
