package auditlog

import (
	"context"
	"net"
	"strings"

	"github.com/animus-labs/animus-pipelines/internal/platform/auth"
)

// AuthDeny returns an auth.AuditFunc that records denied API calls.
func AuthDeny(q QueryRower, service string) auth.AuditFunc {
	return func(ctx context.Context, event auth.DenyEvent) error {
		_, err := Insert(ctx, q, AuthDenyEvent(service, event))
		return err
	}
}

func AuthDenyEvent(service string, event auth.DenyEvent) Event {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}

	var ip net.IP
	if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
		ip = net.ParseIP(host)
	}

	return Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: ResourceHTTP,
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           ip,
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service": service,
			"status":  event.Status,
			"reason":  event.Reason,
			"error":   event.Error,
			"subject": event.Subject,
			"roles":   event.Roles,
		},
	}
}
