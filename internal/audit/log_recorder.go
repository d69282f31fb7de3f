package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"idplane.org/internal/obs"
)

// LogRecorder writes audit events as structured JSON lines through the shared
// logger. It is the default sink when no durable store is configured.
type LogRecorder struct{}

var _ Recorder = LogRecorder{}

func (LogRecorder) Record(ctx context.Context, evt Event) error {
	action := strings.TrimSpace(evt.Action)
	if action == "" {
		return errors.New("audit action is required")
	}
	entry := map[string]any{
		"ts":       evt.OccurredAt.UTC().Format(time.RFC3339Nano),
		"type":     "audit",
		"action":   action,
		"resource": evt.Resource,
		"success":  evt.Success,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if evt.ActorID != "" {
		entry["actor_id"] = evt.ActorID
	}
	if evt.ResourceID != "" {
		entry["resource_id"] = evt.ResourceID
	}
	if evt.SessionID != "" {
		entry["session_id"] = evt.SessionID
	}
	if evt.IP != "" {
		entry["ip"] = evt.IP
	}
	if evt.UserAgent != "" {
		entry["user_agent"] = evt.UserAgent
	}
	if evt.Error != "" {
		entry["error"] = evt.Error
	}
	if len(evt.OldValues) > 0 {
		entry["old_values"] = evt.OldValues
	}
	if len(evt.NewValues) > 0 {
		entry["new_values"] = evt.NewValues
	}
	if len(evt.Metadata) > 0 {
		entry["metadata"] = evt.Metadata
	} else {
		entry["metadata"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
