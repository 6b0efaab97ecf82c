package discover

import (
	"os"
	"slices"

	"github.com/shirou/gopsutil/v3/process"
)

// Process is a running process that matches a worker command line.
type Process struct {
	PID         int
	CommandLine []string
	CreateTime  int64
	ParentPID   int
}

// Inspect returns the process behind pid, or nil when it is gone.
func Inspect(pid int) *Process {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	return describe(p)
}

func describe(p *process.Process) *Process {
	cmdline, err := p.CmdlineSlice()
	if err != nil || len(cmdline) == 0 {
		return nil
	}
	created, _ := p.CreateTime()
	ppid, _ := p.Ppid()
	return &Process{
		PID:         int(p.Pid),
		CommandLine: cmdline,
		CreateTime:  created,
		ParentPID:   int(ppid),
	}
}

// Matches reports whether proc is the worker described by rec.
// A zero CreateTime in rec skips the start time check.
func (proc *Process) Matches(rec *Record) bool {
	if proc == nil || rec == nil || proc.PID != rec.PID {
		return false
	}
	if rec.CreateTime != 0 && proc.CreateTime != rec.CreateTime {
		return false
	}
	return slices.Equal(proc.CommandLine, rec.Command)
}

// Scanner lists processes running a given command line.
type Scanner struct {
	command []string
	ownPID  int
}

func NewScanner(command []string) *Scanner {
	return &Scanner{command: command, ownPID: os.Getpid()}
}

// Scan returns every process other than the caller and its direct children
// whose command line equals the scanner's.
func (s *Scanner) Scan() ([]*Process, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	var out []*Process
	for _, p := range procs {
		if int(p.Pid) == s.ownPID {
			continue
		}
		proc := describe(p)
		if proc == nil || proc.ParentPID == s.ownPID {
			continue
		}
		if slices.Equal(proc.CommandLine, s.command) {
			out = append(out, proc)
		}
	}
	return out, nil
}
