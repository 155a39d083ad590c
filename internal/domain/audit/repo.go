package audit

import "context"

// Log defines the persistence interface for audit events. Implementations
// never update or delete events.
type Log interface {
	Append(ctx context.Context, ev *Event) error
	// ListByPatient returns at most limit events for patientID, newest first.
	ListByPatient(ctx context.Context, patientID string, limit int) ([]*Event, error)
}
