package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states.
// A run moves linearly through queued → building → verifying and ends in
// exactly one terminal state. Supersession and user cancellation are allowed
// from every non-terminal state; there is no retry edge anywhere.
var validTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusQueued: {
		RunStatusBuilding:   true, // Queued → Building (orchestrator picks up run)
		RunStatusCancelled:  true, // Queued → Cancelled (user cancels)
		RunStatusSuperseded: true, // Queued → Superseded (newer run in same group)
	},
	RunStatusBuilding: {
		RunStatusVerifying:  true, // Building → Verifying (image built, smoke test starts)
		RunStatusFailed:     true, // Building → Failed (lockfile mismatch or build error)
		RunStatusCancelled:  true, // Building → Cancelled (user cancels)
		RunStatusSuperseded: true, // Building → Superseded (newer run in same group)
	},
	RunStatusVerifying: {
		RunStatusSucceeded:  true, // Verifying → Succeeded (smoke test exit 0)
		RunStatusFailed:     true, // Verifying → Failed (non-zero exit or bad output)
		RunStatusCancelled:  true, // Verifying → Cancelled (user cancels)
		RunStatusSuperseded: true, // Verifying → Superseded (newer run in same group)
	},
	// Terminal states (no transitions allowed)
	RunStatusSucceeded:  {},
	RunStatusFailed:     {},
	RunStatusCancelled:  {},
	RunStatusSuperseded: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to RunStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state RunStatus) bool {
	return state == RunStatusSucceeded || state == RunStatusFailed ||
		state == RunStatusCancelled || state == RunStatusSuperseded
}

// IsActiveState returns true if the run is actively executing
func IsActiveState(state RunStatus) bool {
	return state == RunStatusBuilding || state == RunStatusVerifying
}

// IsFailure returns true for the one state that marks a failed CI run.
// Supersession and cancellation are deliberate non-failure terminations.
func IsFailure(state RunStatus) bool {
	return state == RunStatusFailed
}
