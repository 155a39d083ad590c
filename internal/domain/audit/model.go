// Package audit is the append-only record of link state transitions.
package audit

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType enumerates the state transitions that are audited.
type EventType string

const (
	LinkStarted    EventType = "LinkStarted"
	LinkCompleted  EventType = "LinkCompleted"
	TokenRefreshed EventType = "TokenRefreshed"
	LinkFailed     EventType = "LinkFailed"
)

// Event is an immutable audit entry. Metadata values are scalars.
type Event struct {
	ID        string         `json:"id"`
	EventType EventType      `json:"eventType"`
	PatientID string         `json:"patientId"`
	ClientID  *string        `json:"clientId,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a ULID for t; IDs generated in one process sort by creation.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewEvent builds an event stamped at now. An empty clientID is stored as null.
func NewEvent(eventType EventType, patientID, clientID string, metadata map[string]any, now time.Time) *Event {
	ev := &Event{
		ID:        NewID(now),
		EventType: eventType,
		PatientID: patientID,
		Metadata:  metadata,
		Timestamp: now.UTC(),
	}
	if clientID != "" {
		ev.ClientID = &clientID
	}
	if ev.Metadata == nil {
		ev.Metadata = map[string]any{}
	}
	return ev
}
