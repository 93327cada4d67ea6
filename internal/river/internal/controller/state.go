package controller

// State is the lifecycle state of a river.
type State int

const (
	StateStarting State = iota
	StateSnapshotting
	StateTailing
	StateStopping
	StateStopped
	StateFaulted
)

var allStates = []State{StateStarting, StateSnapshotting, StateTailing, StateStopping, StateStopped, StateFaulted}

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateSnapshotting:
		return "snapshotting"
	case StateTailing:
		return "tailing"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the river will not change state again.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFaulted
}
