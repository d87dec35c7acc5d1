package model

import "fmt"

// PhaseStatus is the per-phase execution state.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusError     PhaseStatus = "error"
	PhaseStatusStale     PhaseStatus = "stale"
)

// RunStatus is the whole-cascade state of the current run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

var terminalPhaseStatuses = map[PhaseStatus]bool{
	PhaseStatusCompleted: true,
	PhaseStatusError:     true,
}

// pending → running → completed|error; completed → stale; stale → running.
// completed and error may go back to running on a caller-initiated re-run.
// running → running covers sounding starts inside an already running phase.
var validPhaseTransitions = map[PhaseStatus]map[PhaseStatus]bool{
	PhaseStatusPending: {
		PhaseStatusRunning: true,
	},
	PhaseStatusRunning: {
		PhaseStatusRunning:   true,
		PhaseStatusCompleted: true,
		PhaseStatusError:     true,
	},
	PhaseStatusCompleted: {
		PhaseStatusStale:   true,
		PhaseStatusRunning: true,
	},
	PhaseStatusStale: {
		PhaseStatusRunning: true,
	},
	PhaseStatusError: {
		PhaseStatusRunning: true,
	},
}

func IsPhaseTerminal(s PhaseStatus) bool {
	return terminalPhaseStatuses[s]
}

func IsRunTerminal(s RunStatus) bool {
	return s == RunStatusCompleted || s == RunStatusError
}

func ValidatePhaseTransition(from, to PhaseStatus) error {
	allowed, ok := validPhaseTransitions[from]
	if !ok {
		return fmt.Errorf("unknown phase status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid phase transition: %q → %q", from, to)
	}
	return nil
}
