package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryLog is an in-process Log for development and tests.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, ev *Event) error {
	cp := *ev
	cp.Metadata = make(map[string]any, len(ev.Metadata))
	for k, v := range ev.Metadata {
		cp.Metadata[k] = v
	}
	l.mu.Lock()
	l.events = append(l.events, cp)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLog) ListByPatient(_ context.Context, patientID string, limit int) ([]*Event, error) {
	l.mu.RLock()
	out := []*Event{}
	for i := range l.events {
		if l.events[i].PatientID == patientID {
			ev := l.events[i]
			out = append(out, &ev)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events returns every appended event in append order.
func (l *MemoryLog) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}
