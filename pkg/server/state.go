package server

// State is the lifecycle phase of a Server.
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//
// A failed bind goes from Starting straight back to Stopped.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}
