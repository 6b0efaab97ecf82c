package wrapper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/psantana5/warden/internal/observe"
)

// ErrSpawn means the worker executable could not be started at all.
var ErrSpawn = errors.New("failed to spawn worker")

// IO modes
const (
	ModePassthrough = "passthrough"
	ModeCaptured    = "captured"
)

// Spec describes how to launch the worker.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the supervisor's environment

	Mode     string // ModePassthrough or ModeCaptured
	LogPath  string // stderr destination in captured mode
	LogLimit int64  // bytes of the log tail kept in Exit.Log

	KillGrace time.Duration // SIGTERM to SIGKILL delay on cancellation; 0 kills at once

	Stdin          io.Reader
	Stdout, Stderr io.Writer
}

// Exit is the outcome of one worker run.
type Exit struct {
	PID       int
	Code      int
	Reason    ExitReason
	Signal    string
	Log       []byte
	StartedAt time.Time
	Duration  time.Duration
	Reaped    int // surviving descendants killed after the run
}

// Run launches the worker and blocks until it exits or ctx is cancelled.
// onStart, if non-nil, is called with the pid once the process is running.
//
// On cancellation the worker (its whole process group unless it shares the
// supervisor's terminal) and every descendant found before the kill are
// terminated, and the returned Exit has Reason
// ExitReasonInterrupted. The only error returned wraps ErrSpawn.
func Run(ctx context.Context, spec Spec, onStart func(pid int)) (*Exit, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	cmd.Stdin = orDefault(spec.Stdin, os.Stdin)

	// A worker reading from a terminal must stay in the terminal's foreground
	// process group, or the kernel stops it with SIGTTIN on its first read.
	// It then shares the supervisor's group and a terminal Ctrl-C reaches
	// both. Otherwise it gets its own group so the tree can be signalled as
	// a unit.
	grouped := !isTerminal(cmd.Stdin)
	if grouped {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	// Bounds Wait when a leftover grandchild still holds a copied stdio pipe.
	cmd.WaitDelay = 2 * time.Second
	cmd.Stdout = orWriter(spec.Stdout, os.Stdout)

	var logFile *os.File
	switch spec.Mode {
	case ModeCaptured:
		f, err := resetLog(spec.LogPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		logFile = f
		cmd.Stderr = f
	default:
		cmd.Stderr = orWriter(spec.Stderr, os.Stderr)
	}

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Command, err)
	}
	pid := cmd.Process.Pid
	signal := func(sig syscall.Signal) {
		if grouped {
			observe.SignalGroup(pid, sig)
			return
		}
		syscall.Kill(pid, sig)
	}
	if onStart != nil {
		onStart(pid)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	interrupted := false
	var waitErr error
	var tree []int32
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		interrupted = true
		tree = observe.Descendants(pid)
		waitErr = terminate(signal, spec.KillGrace, done)
	}
	duration := time.Since(startedAt)

	// Nothing the worker started may outlive it.
	var leftovers []int32
	if grouped {
		leftovers = observe.GroupMembers(pid)
		observe.SignalGroup(pid, syscall.SIGKILL)
	}
	reaped := observe.KillAll(append(leftovers, tree...))

	if logFile != nil {
		logFile.Close()
	}

	exit := &Exit{
		PID:       pid,
		StartedAt: startedAt,
		Duration:  duration,
		Reaped:    reaped,
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		exit.Code = ExitCode(ws)
		exit.Reason = DetermineExitReason(ws)
		if ws.Signaled() {
			exit.Signal = SignalName(ws.Signal())
		}
	} else {
		exit.Code = cmd.ProcessState.ExitCode()
		exit.Reason = ExitReasonUnknown
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			exit.Code = -1
		}
	}
	// A terminal Ctrl-C can end a worker that shares the supervisor's group
	// before the cancellation is seen above.
	if ctx.Err() != nil && exit.Code != 0 {
		interrupted = true
	}
	if interrupted {
		exit.Reason = ExitReasonInterrupted
	}

	if logFile != nil {
		exit.Log, _ = ReadTail(spec.LogPath, spec.LogLimit)
	}
	return exit, nil
}

// terminate stops the worker with signal and waits for it.
func terminate(signal func(syscall.Signal), grace time.Duration, done <-chan error) error {
	if grace > 0 {
		signal(syscall.SIGTERM)
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case err := <-done:
			return err
		case <-timer.C:
		}
	}
	signal(syscall.SIGKILL)
	return <-done
}

// resetLog creates or truncates the failure log so a log never straddles runs.
func resetLog(path string) (*os.File, error) {
	if path == "" {
		return nil, errors.New("captured mode requires a failure log path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create failure log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}

// ReadTail returns at most limit bytes from the end of path.
// limit <= 0 reads the whole file.
func ReadTail(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if limit > 0 && info.Size() > limit {
		if _, err := f.Seek(info.Size()-limit, io.SeekStart); err != nil {
			return nil, err
		}
	}
	return io.ReadAll(f)
}

func orDefault(r io.Reader, def *os.File) io.Reader {
	if r != nil {
		return r
	}
	return def
}

func orWriter(w io.Writer, def *os.File) io.Writer {
	if w != nil {
		return w
	}
	return def
}
