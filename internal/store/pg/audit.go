package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"idplane.org/internal/audit"
	"idplane.org/internal/ids"
)

// AuditLog is the append-only audit sink backed by Postgres.
type AuditLog struct {
	db *sql.DB
}

var _ audit.Recorder = (*AuditLog)(nil)

func (s *AuditLog) Record(ctx context.Context, evt audit.Event) error {
	oldVals, err := marshalValues(evt.OldValues)
	if err != nil {
		return err
	}
	newVals, err := marshalValues(evt.NewValues)
	if err != nil {
		return err
	}
	meta, err := marshalValues(evt.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log (id, request_id, actor_id, action, resource, resource_id,
			old_values, new_values, metadata, ip, user_agent, session_id, success, error, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, ids.New(), nullIfEmpty(audit.RequestIDFromContext(ctx)), nullIfEmpty(evt.ActorID),
		evt.Action, evt.Resource, nullIfEmpty(evt.ResourceID), oldVals, newVals, meta,
		nullIfEmpty(evt.IP), nullIfEmpty(evt.UserAgent), nullIfEmpty(evt.SessionID),
		evt.Success, nullIfEmpty(evt.Error), evt.OccurredAt)
	return err
}

// ListRecent returns the newest audit events, for the admin read surface.
func (s *AuditLog) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select coalesce(actor_id, ''), action, resource, coalesce(resource_id, ''),
			old_values, new_values, metadata, coalesce(ip, ''), coalesce(user_agent, ''),
			coalesce(session_id, ''), success, coalesce(error, ''), occurred_at
		from audit_log
		order by occurred_at desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			evt     audit.Event
			oldVals []byte
			newVals []byte
			meta    []byte
		)
		if err := rows.Scan(&evt.ActorID, &evt.Action, &evt.Resource, &evt.ResourceID,
			&oldVals, &newVals, &meta, &evt.IP, &evt.UserAgent, &evt.SessionID,
			&evt.Success, &evt.Error, &evt.OccurredAt); err != nil {
			return nil, err
		}
		if evt.OldValues, err = unmarshalValues(oldVals); err != nil {
			return nil, err
		}
		if evt.NewValues, err = unmarshalValues(newVals); err != nil {
			return nil, err
		}
		if evt.Metadata, err = unmarshalValues(meta); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func marshalValues(values map[string]any) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("marshal audit values: %w", err)
	}
	return out, nil
}

func unmarshalValues(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode audit values: %w", err)
	}
	return values, nil
}
