package fence

import "time"

// Observer receives fence outcomes. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	StateChanged(accountID string, from, to State)
	Heartbeat(accountID string, at time.Time)
	OpFailed(err *OpError)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) StateChanged(string, State, State) {}
func (NopObserver) Heartbeat(string, time.Time)       {}
func (NopObserver) OpFailed(*OpError)                 {}
