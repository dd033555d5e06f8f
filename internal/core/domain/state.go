package domain

// State is the uniform session lifecycle state.
type State string

const (
	StateLoading State = "loading"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateError   State = "error"
	StateEnded   State = "ended"
)

var transitions = map[State][]State{
	StateLoading: {StatePlaying, StatePaused, StateError, StateEnded},
	StatePlaying: {StatePaused, StateError, StateEnded},
	StatePaused:  {StatePlaying, StateError, StateEnded},
}

// IsTerminal reports whether no transition can leave the state.
func (s State) IsTerminal() bool {
	return s == StateError || s == StateEnded
}

// CanTransitionTo reports whether next is reachable from s in one step.
// Self transitions are not transitions and report false.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// HoldsResources reports whether a session in this state may own a protocol handle.
func (s State) HoldsResources() bool {
	return s == StateLoading || s == StatePlaying || s == StatePaused
}
