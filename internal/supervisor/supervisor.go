// Package supervisor runs the worker in a loop, counts crashes, repairs
// missing dependencies and rolls the artifact back when the worker keeps
// crashing.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/warden/internal/cgroups"
	"github.com/psantana5/warden/internal/classify"
	"github.com/psantana5/warden/internal/discover"
	"github.com/psantana5/warden/internal/heal"
	"github.com/psantana5/warden/internal/report"
	"github.com/psantana5/warden/internal/wrapper"
	"github.com/psantana5/warden/pkg/logging"
	"github.com/psantana5/warden/pkg/models"
	"github.com/psantana5/warden/pkg/retry"
	"github.com/psantana5/warden/pkg/store"
	"github.com/psantana5/warden/pkg/tracing"
)

var (
	// ErrFatal wraps every condition that halts the supervisor.
	ErrFatal = errors.New("supervisor halted")
	// ErrLocked means another supervisor owns the state directory.
	ErrLocked = errors.New("state directory locked by another supervisor")
)

const lockFile = "warden.lock"

// Result classes that are not crash classes.
const (
	classRestart     = "restart"
	classInterrupted = "interrupted"
)

// Launcher starts one worker run and blocks until it ends.
type Launcher interface {
	Launch(ctx context.Context, onStart func(pid int)) (*wrapper.Exit, error)
}

// OrphanReaper is implemented by launchers that can clean up a worker left
// running by a previous supervisor.
type OrphanReaper interface {
	ReapOrphans(ctx context.Context) (int, error)
}

// ProcessLauncher launches the worker described by Spec. With Cgroups set
// and non-zero Limits, each run is confined to its own cgroup. With Orphans
// set, the live worker is recorded so a later supervisor can reap it.
type ProcessLauncher struct {
	Spec    wrapper.Spec
	Cgroups *cgroups.Manager
	Limits  cgroups.Limits
	Orphans *discover.Reaper
	RunID   string
	Logger  *logging.Logger

	runs int
}

func (l *ProcessLauncher) Launch(ctx context.Context, onStart func(pid int)) (*wrapper.Exit, error) {
	l.runs++
	confined := l.Cgroups != nil && !l.Limits.IsZero()

	var group *cgroups.Group
	exit, err := wrapper.Run(ctx, l.Spec, func(pid int) {
		if confined {
			group = l.confine(pid)
		}
		l.track(pid)
		if onStart != nil {
			onStart(pid)
		}
	})
	if l.Orphans != nil {
		if err := l.Orphans.File.Remove(); err != nil {
			l.logger().Warn("failed to remove worker pid file", logging.Fields{"error": err.Error()})
		}
	}
	if confined {
		if err := l.Cgroups.Delete(group); err != nil {
			l.logger().Debug("cgroup not removed", logging.Fields{"error": err.Error()})
		}
	}
	return exit, err
}

// ReapOrphans terminates a worker recorded by an earlier supervisor.
func (l *ProcessLauncher) ReapOrphans(ctx context.Context) (int, error) {
	if l.Orphans == nil {
		return 0, nil
	}
	n, err := l.Orphans.Reap(ctx)
	if err != nil {
		return n, err
	}
	if n == 0 {
		l.Orphans.Unrecorded(l.command())
	}
	return n, nil
}

func (l *ProcessLauncher) command() []string {
	return append([]string{l.Spec.Command}, l.Spec.Args...)
}

func (l *ProcessLauncher) track(pid int) {
	if l.Orphans == nil {
		return
	}
	rec := discover.Record{PID: pid, Command: l.command(), RunID: l.RunID, Attempt: l.runs}
	if proc := discover.Inspect(pid); proc != nil {
		rec.CreateTime = proc.CreateTime
	}
	if err := l.Orphans.File.Write(rec); err != nil {
		l.logger().Warn("failed to record worker pid", logging.Fields{"pid": pid, "error": err.Error()})
	}
}

func (l *ProcessLauncher) confine(pid int) *cgroups.Group {
	group, err := l.Cgroups.Create(fmt.Sprintf("%d-%d", os.Getpid(), l.runs))
	if err != nil || group == nil {
		fields := logging.Fields{"pid": pid}
		if err != nil {
			fields["error"] = err.Error()
		}
		l.logger().Warn("cgroups unavailable, worker runs without resource limits", fields)
		return nil
	}
	if err := l.Cgroups.Apply(group, l.Limits); err != nil {
		l.logger().Warn("failed to apply resource limits", logging.Fields{"error": err.Error()})
	}
	if err := l.Cgroups.Join(group, pid); err != nil {
		l.logger().Warn("failed to move worker into cgroup", logging.Fields{"pid": pid, "error": err.Error()})
	}
	return group
}

func (l *ProcessLauncher) logger() *logging.Logger {
	if l.Logger == nil {
		return logging.Discard()
	}
	return l.Logger
}

// Backups is the artifact versioning the loop relies on.
type Backups interface {
	EnsureInitialBackup() (bool, error)
	Restore() error
	Staged() bool
	Promote() (bool, error)
}

// StagingWatcher reports a candidate appearing in or leaving the staging path.
type StagingWatcher interface {
	WatchStaging(ctx context.Context, interval time.Duration, logger *logging.Logger, onChange func(staged bool))
}

// Healer runs one self-heal cycle.
type Healer interface {
	Heal(ctx context.Context, failureLog []byte) heal.Result
}

// Options are the supervisor's tunables.
type Options struct {
	RunID    string
	Artifact string
	Backup   string
	Manifest string
	StateDir string // holds the lock file; empty disables locking

	RestartExitCode int
	CrashThreshold  int
	CrashBackoff    retry.Backoff
	HealBackoff     time.Duration

	StagingPoll   time.Duration // watcher fallback interval; 0 disables the watcher
	RecentCrashes int
}

// Deps are the supervisor's collaborators. Launcher and Backups are
// required; the rest default to inert implementations.
type Deps struct {
	Launcher   Launcher
	Backups    Backups
	Watcher    StagingWatcher
	Classifier classify.Classifier
	Healer     Healer
	Store      store.Store
	Metrics    *report.Metrics
	Tracer     *tracing.Provider
	Logger     *logging.Logger
	Sleep      func(ctx context.Context, d time.Duration) error
}

// Supervisor owns the worker lifecycle.
type Supervisor struct {
	deps   Deps
	opts   Options
	logger *logging.Logger

	state   *State
	summary *report.Summary
	crashes *report.CrashLog
}

// New wires a supervisor. It does not touch the filesystem.
func New(deps Deps, opts Options) (*Supervisor, error) {
	if deps.Launcher == nil {
		return nil, errors.New("supervisor: launcher is required")
	}
	if deps.Backups == nil {
		return nil, errors.New("supervisor: backups are required")
	}
	if opts.CrashThreshold < 0 {
		return nil, fmt.Errorf("supervisor: negative crash threshold %d", opts.CrashThreshold)
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.Default()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Metrics == nil {
		deps.Metrics = report.NewMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Sleep == nil {
		deps.Sleep = retry.Sleep
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.RecentCrashes <= 0 {
		opts.RecentCrashes = 20
	}

	return &Supervisor{
		deps:    deps,
		opts:    opts,
		logger:  deps.Logger.WithField("run_id", opts.RunID),
		state:   newState(opts.RunID, opts),
		summary: report.NewSummary(opts.RunID),
		crashes: report.NewCrashLog(opts.RecentCrashes),
	}, nil
}

func (s *Supervisor) RunID() string              { return s.opts.RunID }
func (s *Supervisor) Snapshot() Snapshot         { return s.state.Snapshot() }
func (s *Supervisor) Summary() *report.Summary   { return s.summary }
func (s *Supervisor) Metrics() *report.Metrics   { return s.deps.Metrics }
func (s *Supervisor) CrashLog() *report.CrashLog { return s.crashes }

// Run supervises the worker until it exits gracefully, ctx is cancelled or
// a fatal condition occurs. Graceful exit and cancellation return nil;
// fatal conditions return an error wrapping ErrFatal.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, span := s.deps.Tracer.StartSpan(ctx, "supervisor.run",
		attribute.String("run.id", s.opts.RunID),
		attribute.String("artifact", s.opts.Artifact),
	)
	defer span.End()

	unlock, err := s.lock()
	if err != nil {
		return s.halt(ctx, 0, err)
	}
	defer unlock()

	if r, ok := s.deps.Launcher.(OrphanReaper); ok {
		n, err := r.ReapOrphans(ctx)
		if err != nil {
			s.logger.Warn("failed to reap previous worker", logging.Fields{"error": err.Error()})
		} else if n > 0 {
			s.record(ctx, store.Event{Kind: store.KindReap, Detail: fmt.Sprintf("killed=%d", n)})
		}
	}

	wrote, err := s.deps.Backups.EnsureInitialBackup()
	if err != nil {
		return s.halt(ctx, 0, fmt.Errorf("initial backup: %w", err))
	}
	if wrote {
		s.logger.Info("initial backup written", logging.Fields{"artifact": s.opts.Artifact, "backup": s.opts.Backup})
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stopWatch()
		wg.Wait()
	}()
	s.watchStaging(watchCtx, &wg)

	var delay time.Duration
	for {
		s.setPhase(models.PhaseLaunching)
		if ctx.Err() != nil {
			return s.stop("interrupted before launch")
		}
		s.promote(ctx)

		attempt := s.state.nextAttempt()
		exit, err := s.launch(ctx, attempt)
		if err != nil {
			return s.halt(ctx, attempt, err)
		}
		s.setPhase(models.PhaseRunning)

		res := report.NewResult(s.opts.RunID, attempt, exit.PID, exit.Code, string(exit.Reason), "",
			exit.StartedAt, exit.StartedAt.Add(exit.Duration))

		if exit.Reason == wrapper.ExitReasonInterrupted {
			res.Class = classInterrupted
			s.record(ctx, store.Event{Attempt: attempt, Kind: store.KindExit, ExitCode: exit.Code, Class: res.Class, Detail: "interrupted"})
			s.finish(res, report.ActionInterrupted, "")
			return s.stop("interrupted, worker terminated")
		}

		if exit.Code == 0 {
			res.Class = classify.Graceful.String()
			s.record(ctx, store.Event{Attempt: attempt, Kind: store.KindExit, Class: res.Class})
			s.finish(res, report.ActionStopped, "")
			return s.stop("worker exited gracefully")
		}

		crashes := s.state.recordCrash()
		s.deps.Metrics.SetCrashRecord(crashes)

		// The restart code is also what an uncaught exception exits with, so
		// the failure log decides whether a dependency is missing.
		class := s.deps.Classifier.Classify(exit.Code, exit.Log)
		res.Class = class.String()
		if exit.Code == s.opts.RestartExitCode && class != classify.DependencyMissing {
			res.Class = classRestart
		}
		s.record(ctx, store.Event{Attempt: attempt, Kind: store.KindCrash, ExitCode: exit.Code, Class: res.Class, Detail: exit.Signal})
		s.logger.Warn("worker crashed", logging.Fields{
			"attempt":      attempt,
			"exit_code":    exit.Code,
			"class":        res.Class,
			"crash_record": crashes,
			"threshold":    s.opts.CrashThreshold,
		})

		if class == classify.DependencyMissing {
			result := s.heal(ctx, attempt, exit.Log)
			if result.OK() {
				s.state.resetCrashes()
				s.deps.Metrics.SetCrashRecord(0)
				s.finish(res, report.ActionHealed, result.Package)
				delay = 0
				if err := s.backoff(ctx, s.opts.HealBackoff); err != nil {
					return s.stop("interrupted during backoff")
				}
				continue
			}
			if ctx.Err() != nil {
				s.finish(res, report.ActionInterrupted, "")
				return s.stop("interrupted during self-heal")
			}
		}

		action := report.ActionRestarted
		if crashes > s.opts.CrashThreshold {
			if err := s.rollback(ctx, attempt); err != nil {
				s.finish(res, report.ActionHalted, "")
				return s.halt(ctx, attempt, err)
			}
			action = report.ActionRolledBack
			delay = 0
		}
		s.finish(res, action, "")

		delay = s.opts.CrashBackoff.Next(delay)
		if err := s.backoff(ctx, delay); err != nil {
			return s.stop("interrupted during backoff")
		}
	}
}

func (s *Supervisor) launch(ctx context.Context, attempt int) (*wrapper.Exit, error) {
	ctx, span := s.deps.Tracer.StartSpan(ctx, "supervisor.attempt", attribute.Int("attempt", attempt))
	defer span.End()

	exit, err := s.deps.Launcher.Launch(ctx, func(pid int) {
		s.state.setPID(pid)
		s.setPhase(models.PhaseRunning)
		s.deps.Metrics.IncrLaunched()
		s.record(ctx, store.Event{Attempt: attempt, Kind: store.KindLaunch, Detail: fmt.Sprintf("pid=%d", pid)})
		s.logger.Info("worker launched", logging.Fields{"attempt": attempt, "pid": pid})
	})
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("exit.code", exit.Code),
		attribute.String("exit.reason", string(exit.Reason)),
	)
	if exit.Reaped > 0 {
		s.logger.Warn("killed processes left behind by the worker", logging.Fields{"attempt": attempt, "count": exit.Reaped})
	}
	return exit, nil
}

func (s *Supervisor) heal(ctx context.Context, attempt int, failureLog []byte) heal.Result {
	s.setPhase(models.PhaseHealing)

	result := heal.Result{Outcome: heal.NoSuggestion}
	if s.deps.Healer != nil {
		result = s.deps.Healer.Heal(ctx, failureLog)
	}
	s.deps.Metrics.RecordHeal(result.Outcome.String())

	detail := result.Outcome.String()
	if result.Package != "" {
		detail += " " + result.Package
	}
	s.record(ctx, store.Event{Attempt: attempt, Kind: store.KindHeal, Detail: detail})

	fields := logging.Fields{"attempt": attempt, "outcome": result.Outcome.String()}
	if result.Package != "" {
		fields["package"] = result.Package
	}
	if result.Err != nil {
		fields["error"] = result.Err.Error()
	}
	if result.OK() {
		s.logger.Info("self-heal succeeded, crash record reset", fields)
	} else {
		s.logger.Warn("self-heal failed", fields)
	}
	return result
}

func (s *Supervisor) rollback(ctx context.Context, attempt int) error {
	s.setPhase(models.PhaseRollingBack)
	ctx, span := s.deps.Tracer.StartSpan(ctx, "supervisor.rollback", attribute.Int("attempt", attempt))
	defer span.End()

	s.logger.Warn("crash threshold exceeded, restoring artifact from backup", logging.Fields{
		"artifact": s.opts.Artifact,
		"backup":   s.opts.Backup,
	})
	if err := s.deps.Backups.Restore(); err != nil {
		tracing.SetError(ctx, err)
		return fmt.Errorf("rollback: %w", err)
	}

	s.state.resetCrashes()
	s.state.setStaged(false)
	s.deps.Metrics.SetCrashRecord(0)
	s.deps.Metrics.SetCandidateStaged(false)
	s.deps.Metrics.IncrRollback()
	s.record(ctx, store.Event{Attempt: attempt, Kind: store.KindRollback})
	return nil
}

// promote swaps in a staged candidate. Failures leave the current artifact
// in place and are not fatal.
func (s *Supervisor) promote(ctx context.Context) {
	if !s.deps.Backups.Staged() {
		return
	}
	promoted, err := s.deps.Backups.Promote()
	if err != nil {
		s.logger.Error("candidate promotion failed, launching current artifact", logging.Fields{"error": err.Error()})
		s.record(ctx, store.Event{Kind: store.KindPromote, Detail: "failed: " + err.Error()})
		return
	}
	if !promoted {
		return
	}
	s.state.setStaged(false)
	s.deps.Metrics.SetCandidateStaged(false)
	s.deps.Metrics.IncrPromotion()
	s.record(ctx, store.Event{Kind: store.KindPromote})
	s.logger.Info("candidate promoted, previous artifact committed as backup", logging.Fields{"artifact": s.opts.Artifact})
}

func (s *Supervisor) backoff(ctx context.Context, d time.Duration) error {
	s.setPhase(models.PhaseBackoff)
	s.logger.Info("restarting after backoff", logging.Fields{"backoff": d.String()})
	return s.deps.Sleep(ctx, d)
}

func (s *Supervisor) watchStaging(ctx context.Context, wg *sync.WaitGroup) {
	if s.deps.Watcher == nil || s.opts.StagingPoll <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.deps.Watcher.WatchStaging(ctx, s.opts.StagingPoll, s.logger, func(staged bool) {
			s.state.setStaged(staged)
			s.deps.Metrics.SetCandidateStaged(staged)
			if staged {
				s.logger.Info("candidate staged, promoting at next launch")
			}
		})
	}()
}

func (s *Supervisor) lock() (func(), error) {
	if s.opts.StateDir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(s.opts.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	fl := flock.New(filepath.Join(s.opts.StateDir, lockFile))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock state directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, fl.Path())
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("failed to release state lock", logging.Fields{"error": err.Error()})
		}
	}, nil
}

func (s *Supervisor) setPhase(to models.Phase) {
	from, err := s.state.transition(to)
	if err != nil {
		s.logger.Error("invalid phase transition", logging.Fields{"from": string(from), "to": string(to), "error": err.Error()})
		return
	}
	if from != to {
		s.logger.Debug("phase changed", logging.Fields{"from": string(from), "to": string(to)})
	}
}

func (s *Supervisor) finish(res *report.Result, action report.Action, pkg string) {
	res.SetAction(action, pkg)
	s.deps.Metrics.RecordResult(res)
	s.crashes.Record(res)
	s.summary.Add(res)
	s.state.setLastExit(res)
	res.LogSummary(s.logger)
}

func (s *Supervisor) stop(reason string) error {
	s.setPhase(models.PhaseStopped)
	s.logger.Info("supervisor stopped", logging.Fields{"reason": reason})
	return nil
}

func (s *Supervisor) halt(ctx context.Context, attempt int, err error) error {
	s.setPhase(models.PhaseHalted)
	tracing.SetError(ctx, err)
	s.record(ctx, store.Event{Attempt: attempt, Kind: store.KindHalt, Detail: err.Error()})
	s.logger.Error("supervisor halted", logging.Fields{"attempt": attempt, "error": err.Error()})
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// record writes to the history ledger. Failures are logged only.
func (s *Supervisor) record(ctx context.Context, ev store.Event) {
	ev.RunID = s.opts.RunID
	if err := s.deps.Store.Record(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("failed to record history event", logging.Fields{"kind": string(ev.Kind), "error": err.Error()})
	}
}
