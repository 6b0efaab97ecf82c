package report

import (
	"time"

	"github.com/psantana5/warden/pkg/logging"
)

// Action is what the supervisor did in response to one worker exit.
type Action string

const (
	ActionStopped     Action = "stopped"     // graceful exit, supervisor returns
	ActionRestarted   Action = "restarted"   // crash counted, restart after backoff
	ActionHealed      Action = "healed"      // dependency installed, restart after heal backoff
	ActionRolledBack  Action = "rolled_back" // threshold exceeded, artifact restored
	ActionHalted      Action = "halted"      // fatal condition
	ActionInterrupted Action = "interrupted" // operator stop
)

// Result is immutable per-launch truth. Metrics, history and the end-of-run
// table are all projections of it.
type Result struct {
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
	PID     int    `json:"pid"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"runtime_seconds"`

	ExitCode int    `json:"exit_code"`
	Reason   string `json:"exit_reason"`
	Class    string `json:"class"`

	// Set once after the supervisor decides.
	Action  Action `json:"action"`
	Package string `json:"package,omitempty"`
}

// NewResult creates a result for one finished launch.
func NewResult(runID string, attempt, pid, exitCode int, reason, class string, start, end time.Time) *Result {
	return &Result{
		RunID:     runID,
		Attempt:   attempt,
		PID:       pid,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		ExitCode:  exitCode,
		Reason:    reason,
		Class:     class,
	}
}

// SetAction records the supervisor's decision. Call it once.
func (r *Result) SetAction(a Action, pkg string) {
	r.Action = a
	r.Package = pkg
}

// LogSummary emits the one-line attempt summary.
func (r *Result) LogSummary(logger *logging.Logger) {
	fields := logging.Fields{
		"run_id":  r.RunID,
		"attempt": r.Attempt,
		"pid":     r.PID,
		"exit":    r.ExitCode,
		"reason":  r.Reason,
		"class":   r.Class,
		"runtime": r.Duration.Round(time.Millisecond).String(),
		"action":  string(r.Action),
	}
	if r.Package != "" {
		fields["package"] = r.Package
	}
	logger.Info("attempt finished", fields)
}
