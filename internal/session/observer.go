package session

import "calltrack/internal/calls"

// Observer receives session lifecycle and transcript events.
//
// Methods are invoked while the room (or shard) lock is held, so per-room
// events arrive in order. Implementations must not block or call back into
// the registry.
type Observer interface {
	SessionChanged(s calls.Session)
	TurnAppended(t calls.Turn)
	SessionEvicted(s calls.Session)
}

// Observers fans events out to every member in order.
type Observers []Observer

func (o Observers) SessionChanged(s calls.Session) {
	for _, ob := range o {
		ob.SessionChanged(s)
	}
}

func (o Observers) TurnAppended(t calls.Turn) {
	for _, ob := range o {
		ob.TurnAppended(t)
	}
}

func (o Observers) SessionEvicted(s calls.Session) {
	for _, ob := range o {
		ob.SessionEvicted(s)
	}
}

type nopObserver struct{}

func (nopObserver) SessionChanged(calls.Session) {}
func (nopObserver) TurnAppended(calls.Turn)      {}
func (nopObserver) SessionEvicted(calls.Session) {}
