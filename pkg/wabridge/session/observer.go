package session

import "time"

// Event is a phase change notification.
type Event struct {
	Phase    Phase     `json:"phase"`
	Previous Phase     `json:"previous"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Observer receives phase changes. Observers are called synchronously and
// in transition order, so they must return quickly and must not call back
// into Manager methods that change the phase.
type Observer interface {
	OnPhaseChange(evt Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(evt Event)

// OnPhaseChange implements Observer.
func (f ObserverFunc) OnPhaseChange(evt Event) { f(evt) }
