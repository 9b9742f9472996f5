package forkserver

// State is the forkserver's position in its serve loop.
type State int

const (
	StateStarting State = iota
	StateAwaitingImports
	StateIdle
	StateSpawningChild
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateAwaitingImports:
		return "awaiting_imports"
	case StateIdle:
		return "idle"
	case StateSpawningChild:
		return "spawning_child"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
