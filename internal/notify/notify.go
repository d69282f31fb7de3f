package notify

import (
	"context"

	"idplane.org/internal/obs"
)

// Event types dispatched by the core. Delivery channels are a collaborator
// concern; the core only names the event.
const (
	EventVerificationEmail = "auth.verification_email"
	EventPasswordReset     = "auth.password_reset"
	EventSecurityAlert     = "session.security_alert"
	EventMFAStateChanged   = "auth.mfa_state_changed"
)

// Notifier dispatches user-facing notifications. Failures are non-fatal to
// callers; use Send which logs and continues.
type Notifier interface {
	Notify(ctx context.Context, principalID, eventType string, payload map[string]any) error
}

// Send dispatches through n and swallows failures. A dead notifier never
// fails a login or registration.
func Send(ctx context.Context, n Notifier, principalID, eventType string, payload map[string]any) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, principalID, eventType, payload); err != nil {
		obs.Log("warn", "notification send failed", map[string]any{
			"principal_id": principalID,
			"event_type":   eventType,
			"error":        err.Error(),
		})
	}
}

// LogNotifier writes notifications to the shared logger. Default collaborator
// for development and tests.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) Notify(_ context.Context, principalID, eventType string, payload map[string]any) error {
	fields := map[string]any{
		"principal_id": principalID,
		"event_type":   eventType,
	}
	for k, v := range payload {
		fields["payload_"+k] = v
	}
	obs.Log("info", "notification", fields)
	return nil
}
