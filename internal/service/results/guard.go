package results

import (
	"time"

	"github.com/animus-labs/experiment-results/internal/domain"
)

// Outcome labels how a run ended.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeExpired         Outcome = "expired"
	OutcomeAlreadyComplete Outcome = "already_complete"
	OutcomeNoWork          Outcome = "no_work"
	OutcomeNoResults       Outcome = "no_results"
	OutcomeError           Outcome = "error"
)

// admit decides whether a run may do work. The age check uses the creation
// time carried by the trigger when present, so a re-delivered trigger cannot
// extend the window.
func admit(req domain.ResultsRequest, triggerCreatedAt, now time.Time, timeout time.Duration) (Outcome, bool) {
	createdAt := req.CreatedAt
	if !triggerCreatedAt.IsZero() {
		createdAt = triggerCreatedAt
	}
	if domain.Expired(createdAt, now, timeout) {
		return OutcomeExpired, false
	}
	if req.Completed() {
		return OutcomeAlreadyComplete, false
	}
	if req.Mode == nil || req.Mode.Empty() {
		return OutcomeNoWork, false
	}
	return "", true
}
