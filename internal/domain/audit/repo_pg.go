package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/link/internal/platform/db"
)

type logPG struct {
	db db.Conn
}

// NewLogPG returns a Log backed by the audit_events table.
func NewLogPG(conn db.Conn) Log {
	return &logPG{db: conn}
}

func (l *logPG) Append(ctx context.Context, ev *Event) error {
	md, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = l.db.Exec(ctx, `
		INSERT INTO audit_events (id, event_type, patient_id, client_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, string(ev.EventType), ev.PatientID, ev.ClientID, md, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (l *logPG) ListByPatient(ctx context.Context, patientID string, limit int) ([]*Event, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, event_type, patient_id, client_id, metadata, created_at
		FROM audit_events
		WHERE patient_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			ev        Event
			eventType string
			md        []byte
		)
		if err := rows.Scan(&ev.ID, &eventType, &ev.PatientID, &ev.ClientID, &md, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.EventType = EventType(eventType)
		ev.Metadata = map[string]any{}
		if len(md) > 0 {
			if err := json.Unmarshal(md, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}
