package domain

// State is the lifecycle state of a torrent in the session registry.
type State string

const (
	StateResolving   State = "resolving"   // Waiting for metadata.
	StateDownloading State = "downloading" // Metadata known, selected bytes incomplete.
	StateSeeding     State = "seeding"     // All selected bytes complete.
	StatePaused      State = "paused"      // User paused.
	StateError       State = "error"       // Fatal engine failure, manual retry required.
	StateRemoved     State = "removed"     // Terminal.
)

// validTransitions defines the adjacency list of allowed state transitions.
// Removed is reachable from every state and handled in CanTransition.
// Seeding returns to downloading when a skipped file is selected again.
var validTransitions = map[State][]State{
	StateResolving:   {StateDownloading, StateSeeding, StateError},
	StateDownloading: {StateSeeding, StatePaused, StateError},
	StateSeeding:     {StateDownloading, StatePaused, StateError},
	StatePaused:      {StateDownloading, StateSeeding, StateError},
	StateError:       {StateResolving},
}

// CanTransition reports whether a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	if from == StateRemoved {
		return false
	}
	if to == StateRemoved {
		return true
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StateResolving, StateDownloading, StateSeeding, StatePaused, StateError, StateRemoved:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateRemoved
}

// Pausable reports whether a pause command applies in this state.
func (s State) Pausable() bool {
	return s == StateDownloading || s == StateSeeding
}

// Transferring reports whether the engine is expected to move data.
func (s State) Transferring() bool {
	return s == StateDownloading || s == StateSeeding
}
