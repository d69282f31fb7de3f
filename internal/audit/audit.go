package audit

import (
	"context"
	"strings"
	"time"

	"idplane.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit records.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Event is a single audit record for a state-changing operation.
type Event struct {
	ActorID    string
	Action     string
	Resource   string
	ResourceID string
	OldValues  map[string]any
	NewValues  map[string]any
	Metadata   map[string]any
	IP         string
	UserAgent  string
	SessionID  string
	Success    bool
	Error      string
	OccurredAt time.Time
}

// Recorder persists audit events. Implementations must treat events as
// append-only.
type Recorder interface {
	Record(ctx context.Context, evt Event) error
}

// Emit records the event and swallows any recorder failure: the primary
// operation's success is never held hostage by the audit sink.
func Emit(ctx context.Context, rec Recorder, evt Event) {
	if rec == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if err := rec.Record(ctx, evt); err != nil {
		obs.Log("error", "audit record failed", map[string]any{
			"action":   evt.Action,
			"resource": evt.Resource,
			"error":    err.Error(),
		})
	}
}
