package models

import "fmt"

// Phase is the supervisor's lifecycle phase.
type Phase string

const (
	PhaseStarting    Phase = "starting"     // Preconditions and initial backup
	PhaseLaunching   Phase = "launching"    // Promoting candidate, spawning worker
	PhaseRunning     Phase = "running"      // Blocked on worker exit
	PhaseBackoff     Phase = "backoff"      // Waiting before the next launch
	PhaseHealing     Phase = "healing"      // Oracle, manifest patch, install
	PhaseRollingBack Phase = "rolling_back" // Restoring the artifact from backup
	PhaseStopped     Phase = "stopped"      // Graceful exit or operator interrupt
	PhaseHalted      Phase = "halted"       // Fatal condition
)

// validTransitions maps from-phase to allowed to-phases
var validTransitions = map[Phase]map[Phase]bool{
	PhaseStarting: {
		PhaseLaunching: true,
		PhaseStopped:   true,
		PhaseHalted:    true, // Lock held, initial backup failed
	},
	PhaseLaunching: {
		PhaseRunning: true,
		PhaseStopped: true,
		PhaseHalted:  true, // Spawn or promotion failure
	},
	PhaseRunning: {
		PhaseStopped:     true, // Exit 0 or interrupt
		PhaseHealing:     true, // DependencyMissing
		PhaseRollingBack: true, // Crash record over threshold
		PhaseBackoff:     true,
	},
	PhaseHealing: {
		PhaseBackoff:     true, // Healed (short backoff) or fall through
		PhaseRollingBack: true, // Heal failed and crash record over threshold
		PhaseStopped:     true,
	},
	PhaseRollingBack: {
		PhaseBackoff: true,
		PhaseStopped: true,
		PhaseHalted:  true, // No backup
	},
	PhaseBackoff: {
		PhaseLaunching: true,
		PhaseStopped:   true,
	},
	// Terminal phases
	PhaseStopped: {},
	PhaseHalted:  {},
}

// ValidateTransition checks if a phase transition is valid
func ValidateTransition(from, to Phase) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source phase: %s", from)
	}
	if _, known := validTransitions[to]; !known {
		return fmt.Errorf("unknown target phase: %s", to)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if no further transitions are allowed.
func IsTerminal(p Phase) bool {
	return p == PhaseStopped || p == PhaseHalted
}

// IsActive returns true while a worker process may be alive.
func IsActive(p Phase) bool {
	return p == PhaseLaunching || p == PhaseRunning
}
