package wrapper

import (
	"fmt"
	"syscall"
)

// ExitReason describes why a worker run ended
type ExitReason string

const (
	ExitReasonSuccess     ExitReason = "success"     // Exit code 0
	ExitReasonError       ExitReason = "error"       // Exit code != 0
	ExitReasonSignal      ExitReason = "signal"      // Killed by a signal we did not send
	ExitReasonOOM         ExitReason = "oom"         // SIGKILL, most likely the OOM killer
	ExitReasonInterrupted ExitReason = "interrupted" // Terminated by the supervisor on cancellation
	ExitReasonUnknown     ExitReason = "unknown"
)

// DetermineExitReason analyzes a wait status.
func DetermineExitReason(ws syscall.WaitStatus) ExitReason {
	switch {
	case ws.Exited():
		if ws.ExitStatus() == 0 {
			return ExitReasonSuccess
		}
		return ExitReasonError
	case ws.Signaled():
		if ws.Signal() == syscall.SIGKILL {
			return ExitReasonOOM
		}
		return ExitReasonSignal
	default:
		return ExitReasonUnknown
	}
}

// ExitCode maps a wait status to a shell-style exit code: the status for a
// normal exit, 128+signal for a signalled one.
func ExitCode(ws syscall.WaitStatus) int {
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}

// SignalName returns the signal name for a signal number
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGBUS:
		return "SIGBUS"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	default:
		return fmt.Sprintf("SIG%d", int(sig))
	}
}
