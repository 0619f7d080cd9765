package stream

// State is the lifecycle of one stream runtime.
type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// Stop reasons.
const (
	ReasonStoppedByUser    = "stopped_by_user"
	ReasonCaptureCompleted = "capture_completed"
)

var transitions = map[State][]State{
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateStopping, StateCompleted, StateFailed},
	StateStopping: {StateStopped},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal states never change again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// Active states block a second stream for the same session.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning
}
