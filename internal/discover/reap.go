package discover

import (
	"context"
	"syscall"
	"time"

	"github.com/psantana5/warden/internal/observe"
	"github.com/psantana5/warden/pkg/logging"
)

const pollInterval = 20 * time.Millisecond

// Reaper terminates a worker recorded in a PIDFile by an earlier supervisor.
type Reaper struct {
	File   *PIDFile
	Grace  time.Duration // SIGTERM to SIGKILL delay; 0 kills at once
	Logger *logging.Logger
}

// Reap kills the recorded worker and its process group if it is still
// running, then removes the record. It returns the number of processes
// signalled. A stale record whose pid now belongs to another program is
// discarded without signalling anything.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	rec, err := r.File.Read()
	if err != nil || rec == nil {
		return 0, err
	}
	logger := r.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	proc := Inspect(rec.PID)
	if !proc.Matches(rec) {
		logger.Debug("discarding stale worker record", logging.Fields{"pid": rec.PID})
		return 0, r.File.Remove()
	}

	logger.Warn("terminating worker left by a previous supervisor", logging.Fields{
		"pid":     rec.PID,
		"run_id":  rec.RunID,
		"attempt": rec.Attempt,
	})
	members := append(observe.Descendants(rec.PID), observe.GroupMembers(rec.PID)...)
	if r.Grace > 0 {
		observe.SignalGroup(rec.PID, syscall.SIGTERM)
		waitGone(ctx, int32(rec.PID), r.Grace)
	}
	observe.SignalGroup(rec.PID, syscall.SIGKILL)
	killed := 1 + observe.KillAll(members)
	waitGone(ctx, int32(rec.PID), time.Second)

	return killed, r.File.Remove()
}

func waitGone(ctx context.Context, pid int32, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for observe.Alive(pid) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// Unrecorded logs workers running command that no record accounts for.
// They are left alone: without a record there is no proof they are ours.
func (r *Reaper) Unrecorded(command []string) []*Process {
	if len(command) == 0 {
		return nil
	}
	procs, err := NewScanner(command).Scan()
	if err != nil {
		return nil
	}
	if len(procs) > 0 && r.Logger != nil {
		pids := make([]int, 0, len(procs))
		for _, p := range procs {
			pids = append(pids, p.PID)
		}
		r.Logger.Warn("worker command already running outside supervision", logging.Fields{"pids": pids})
	}
	return procs
}
