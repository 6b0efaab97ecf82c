package models

import "testing"

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Phase
		to      Phase
		wantErr bool
	}{
		// Valid transitions
		{"Starting to Launching", PhaseStarting, PhaseLaunching, false},
		{"Starting to Halted", PhaseStarting, PhaseHalted, false},
		{"Launching to Running", PhaseLaunching, PhaseRunning, false},
		{"Launching to Halted", PhaseLaunching, PhaseHalted, false},
		{"Running to Stopped", PhaseRunning, PhaseStopped, false},
		{"Running to Healing", PhaseRunning, PhaseHealing, false},
		{"Running to Backoff", PhaseRunning, PhaseBackoff, false},
		{"Running to RollingBack", PhaseRunning, PhaseRollingBack, false},
		{"Healing to Backoff", PhaseHealing, PhaseBackoff, false},
		{"Healing to RollingBack", PhaseHealing, PhaseRollingBack, false},
		{"RollingBack to Backoff", PhaseRollingBack, PhaseBackoff, false},
		{"RollingBack to Halted", PhaseRollingBack, PhaseHalted, false},
		{"Backoff to Launching", PhaseBackoff, PhaseLaunching, false},
		{"Backoff to Stopped", PhaseBackoff, PhaseStopped, false},

		// Invalid transitions
		{"Starting to Running", PhaseStarting, PhaseRunning, true},
		{"Running to Launching", PhaseRunning, PhaseLaunching, true},
		{"Backoff to Running", PhaseBackoff, PhaseRunning, true},
		{"Healing to Launching", PhaseHealing, PhaseLaunching, true},
		{"Stopped to Launching", PhaseStopped, PhaseLaunching, true},
		{"Halted to Starting", PhaseHalted, PhaseStarting, true},
		{"Unknown source", Phase("paused"), PhaseRunning, true},
		{"Unknown target", PhaseRunning, Phase("paused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name     string
		phase    Phase
		expected bool
	}{
		{"Stopped is terminal", PhaseStopped, true},
		{"Halted is terminal", PhaseHalted, true},
		{"Running is not terminal", PhaseRunning, false},
		{"Backoff is not terminal", PhaseBackoff, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.phase); got != tt.expected {
				t.Errorf("IsTerminal(%v) = %v, want %v", tt.phase, got, tt.expected)
			}
		})
	}
}

func TestIsActive(t *testing.T) {
	tests := []struct {
		phase    Phase
		expected bool
	}{
		{PhaseLaunching, true},
		{PhaseRunning, true},
		{PhaseHealing, false},
		{PhaseStopped, false},
	}

	for _, tt := range tests {
		if got := IsActive(tt.phase); got != tt.expected {
			t.Errorf("IsActive(%v) = %v, want %v", tt.phase, got, tt.expected)
		}
	}
}
