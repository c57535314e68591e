package supervisor

// State is the supervisor's position in the watch loop.
type State int32

const (
	StateEvaluating State = iota
	StateLaunching
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateEvaluating:
		return "evaluating"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
