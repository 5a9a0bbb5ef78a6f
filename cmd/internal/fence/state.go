package fence

// State is the lifecycle state of one attachment.
type State uint8

const (
	// StatePending: token generated, initial write not yet acknowledged.
	StatePending State = iota
	// StateAuthoritative: the stored token is ours (as far as we have observed).
	StateAuthoritative
	// StateDisplaced: a newer token was observed and the host was told to log out. Terminal.
	StateDisplaced
	// StateReleased: the host released the attachment. Terminal.
	StateReleased
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthoritative:
		return "authoritative"
	case StateDisplaced:
		return "displaced"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDisplaced || s == StateReleased
}
