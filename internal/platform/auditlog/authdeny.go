package auditlog

import (
	"context"
	"strings"

	"github.com/animus-labs/experiment-results/internal/platform/auth"
)

// InsertAuthDeny records a rejected request as an auth.<reason> event.
func InsertAuthDeny(ctx context.Context, q QueryRower, service string, event auth.DenyEvent) error {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}

	_, err := Insert(ctx, q, Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           RemoteIP(event.RemoteAddr),
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service": service,
			"status":  event.Status,
			"reason":  event.Reason,
			"error":   event.Error,
			"roles":   event.Roles,
		},
	})
	return err
}
