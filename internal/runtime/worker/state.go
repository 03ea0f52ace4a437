package worker

import "fmt"

// State is a phase of the worker lifecycle.
type State int32

const (
	StateStarting State = iota
	StateJoiningGroup
	StatePolling
	StateProcessing
	StateShuttingDown
	StateStopped
)

var stateNames = [...]string{
	StateStarting:     "starting",
	StateJoiningGroup: "joining_group",
	StatePolling:      "polling",
	StateProcessing:   "processing",
	StateShuttingDown: "shutting_down",
	StateStopped:      "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", text)
}
