package session

import "time"

type EventType string

const (
	EventReserved        EventType = "reserved"
	EventRegistered      EventType = "registered"
	EventForceRegistered EventType = "force_registered"
	EventRaceLost        EventType = "race_lost"
	EventRemoved         EventType = "removed"
	EventSwept           EventType = "swept"
	EventDisposeFailed   EventType = "dispose_failed"
)

// Event describes one registry lifecycle transition.
type Event struct {
	Key        string
	Type       EventType
	Generation uint64
	State      string
	Detail     string
	At         time.Time
}

// Observer receives lifecycle events. SessionEvent is called outside the
// registry lock but on the caller's goroutine, so implementations must not block.
// Events from concurrent callers can arrive out of order; Event.At is taken
// under the lock at the moment of the state change, so sort on it rather than
// on arrival.
type Observer interface {
	SessionEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) SessionEvent(evt Event) { f(evt) }
