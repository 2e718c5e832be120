package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAlreadyComplete = errors.New("results request already complete")
	ErrNoResults       = errors.New("results request has no result entries")
)

// RequestState is the lifecycle state of a results request.
//
// Only pending and complete are persisted. Expired is derived from the
// request age at the moment it is observed.
type RequestState string

const (
	RequestStatePending  RequestState = "pending"
	RequestStateComplete RequestState = "complete"
	RequestStateExpired  RequestState = "expired"
)

func NormalizeRequestState(value string) RequestState {
	switch RequestState(strings.ToLower(strings.TrimSpace(value))) {
	case RequestStatePending:
		return RequestStatePending
	case RequestStateComplete:
		return RequestStateComplete
	default:
		return ""
	}
}

// ResultsRequest is a user query describing which experiment outputs to aggregate.
type ResultsRequest struct {
	ID          string
	Mode        Mode
	Status      RequestState
	CreatedAt   time.Time
	CompletedAt *time.Time
	CreatedBy   string
	Results     []ResultEntry
}

func (r ResultsRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("results request id is required")
	}
	if r.Mode == nil {
		return fmt.Errorf("%w: mode is required", ErrInvalidMode)
	}
	if NormalizeRequestState(string(r.Status)) == "" {
		return fmt.Errorf("unsupported results request status: %q", r.Status)
	}
	if r.CreatedAt.IsZero() {
		return errors.New("created at is required")
	}
	return nil
}

func (r ResultsRequest) Completed() bool {
	return r.Status == RequestStateComplete
}

// State derives the lifecycle state at now. A complete request stays complete
// regardless of age; a pending one expires once its age exceeds timeout.
func (r ResultsRequest) State(now time.Time, timeout time.Duration) RequestState {
	if r.Completed() {
		return RequestStateComplete
	}
	if Expired(r.CreatedAt, now, timeout) {
		return RequestStateExpired
	}
	return RequestStatePending
}

// Complete is the only pending -> complete transition. It returns the completed
// copy and leaves the receiver untouched.
func (r ResultsRequest) Complete(entries []ResultEntry, now time.Time) (ResultsRequest, error) {
	if r.Completed() {
		return ResultsRequest{}, ErrAlreadyComplete
	}
	if len(entries) == 0 {
		return ResultsRequest{}, ErrNoResults
	}
	completedAt := now.UTC()
	out := r
	out.Status = RequestStateComplete
	out.CompletedAt = &completedAt
	out.Results = append([]ResultEntry(nil), entries...)
	return out, nil
}

// Expired compares ages at millisecond precision; an age equal to the
// timeout is still live.
func Expired(createdAt, now time.Time, timeout time.Duration) bool {
	if createdAt.IsZero() {
		return false
	}
	return now.Sub(createdAt).Milliseconds() > timeout.Milliseconds()
}

// TimeoutFromHours converts a configured hour count to a duration.
func TimeoutFromHours(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}
