package connectivity

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	ConnectionRestored EventType = "CONNECTION_RESTORED"
	ConnectionLost     EventType = "CONNECTION_LOST"
)

type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// Snapshot marks an event that describes the current state rather
	// than a transition.
	Snapshot bool `json:"snapshot,omitempty"`
}

// NewEvent builds the event for a transition into the given state.
func NewEvent(up bool) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      ConnectionLost,
		Timestamp: time.Now().UTC(),
	}
	if up {
		ev.Type = ConnectionRestored
	}
	return ev
}

// NewSnapshot describes the current state for a new subscriber.
func NewSnapshot(up bool) Event {
	ev := NewEvent(up)
	ev.Snapshot = true
	return ev
}

// Up reports the state the event transitioned into.
func (e Event) Up() bool { return e.Type == ConnectionRestored }
