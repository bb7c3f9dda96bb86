package ingestion

// State is a controller state.
type State int

const (
	StateFresh State = iota
	StateDirect
	StateStream
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateDirect:
		return "direct"
	case StateStream:
		return "stream"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether Run stops in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
