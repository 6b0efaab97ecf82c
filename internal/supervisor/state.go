package supervisor

import (
	"sync"
	"time"

	"github.com/psantana5/warden/internal/report"
	"github.com/psantana5/warden/pkg/models"
)

// State is the supervisor's mutable run state. Only the control loop
// writes it; the status server and staging watcher read snapshots.
type State struct {
	mu sync.RWMutex

	runID     string
	artifact  string
	backup    string
	manifest  string
	threshold int
	startedAt time.Time

	phase    models.Phase
	attempt  int
	crashes  int
	pid      int
	staged   bool
	lastExit *report.Result
}

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	RunID           string         `json:"run_id"`
	Phase           models.Phase   `json:"phase"`
	Attempt         int            `json:"attempt"`
	CrashRecord     int            `json:"crash_record"`
	Threshold       int            `json:"crash_threshold"`
	PID             int            `json:"pid,omitempty"`
	CandidateStaged bool           `json:"candidate_staged"`
	Artifact        string         `json:"artifact"`
	Backup          string         `json:"backup"`
	Manifest        string         `json:"manifest"`
	StartedAt       time.Time      `json:"started_at"`
	LastExit        *report.Result `json:"last_exit,omitempty"`
}

func newState(runID string, opts Options) *State {
	return &State{
		runID:     runID,
		artifact:  opts.Artifact,
		backup:    opts.Backup,
		manifest:  opts.Manifest,
		threshold: opts.CrashThreshold,
		startedAt: time.Now(),
		phase:     models.PhaseStarting,
	}
}

// transition moves to the next phase, rejecting moves the lifecycle does not allow.
func (s *State) transition(to models.Phase) (models.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.phase
	if from == to {
		return from, nil
	}
	if err := models.ValidateTransition(from, to); err != nil {
		return from, err
	}
	s.phase = to
	return from, nil
}

func (s *State) Phase() models.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *State) CrashRecord() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crashes
}

// recordCrash increments the crash record and returns the new value.
func (s *State) recordCrash() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crashes++
	return s.crashes
}

func (s *State) resetCrashes() {
	s.mu.Lock()
	s.crashes = 0
	s.mu.Unlock()
}

func (s *State) nextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	return s.attempt
}

func (s *State) setPID(pid int) {
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()
}

func (s *State) setStaged(staged bool) {
	s.mu.Lock()
	s.staged = staged
	s.mu.Unlock()
}

func (s *State) setLastExit(r *report.Result) {
	s.mu.Lock()
	s.lastExit = r
	s.pid = 0
	s.mu.Unlock()
}

// Snapshot returns a copy safe to hand to other goroutines.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		RunID:           s.runID,
		Phase:           s.phase,
		Attempt:         s.attempt,
		CrashRecord:     s.crashes,
		Threshold:       s.threshold,
		PID:             s.pid,
		CandidateStaged: s.staged,
		Artifact:        s.artifact,
		Backup:          s.backup,
		Manifest:        s.manifest,
		StartedAt:       s.startedAt,
	}
	if s.lastExit != nil {
		last := *s.lastExit
		snap.LastExit = &last
	}
	return snap
}
