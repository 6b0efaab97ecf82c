package observe

import (
	"errors"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// Descendants returns every live descendant of pid, breadth first.
// It must be called while pid is still alive: once a parent dies its
// children are reparented and the link is lost.
func Descendants(pid int) []int32 {
	procs, err := process.Processes()
	if err != nil {
		return nil
	}
	byParent := make(map[int32][]int32, len(procs))
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		byParent[ppid] = append(byParent[ppid], p.Pid)
	}

	var out []int32
	seen := map[int32]bool{int32(pid): true}
	queue := []int32{int32(pid)}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, child := range byParent[parent] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// GroupMembers returns the pids whose process group is pgid.
func GroupMembers(pgid int) []int32 {
	pids, err := process.Pids()
	if err != nil {
		return nil
	}
	var out []int32
	for _, pid := range pids {
		if g, err := syscall.Getpgid(int(pid)); err == nil && g == pgid {
			out = append(out, pid)
		}
	}
	return out
}

// Alive reports whether pid exists and is not a zombie.
func Alive(pid int32) bool {
	ok, err := process.PidExists(pid)
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// KillAll sends SIGKILL to every pid still alive and returns how many were signalled.
func KillAll(pids []int32) int {
	killed := 0
	seen := make(map[int32]bool, len(pids))
	for _, pid := range pids {
		if seen[pid] {
			continue
		}
		seen[pid] = true
		if !Alive(pid) {
			continue
		}
		if err := syscall.Kill(int(pid), syscall.SIGKILL); err == nil {
			killed++
		}
	}
	return killed
}

// SignalGroup sends sig to the process group led by pid.
// A group that no longer exists is not an error.
func SignalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Sample is a point-in-time resource reading of the worker.
type Sample struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

// SampleProcess reads the worker's memory, CPU and thread count.
func SampleProcess(pid int) (Sample, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Sample{}, err
	}
	s := Sample{PID: pid}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		s.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		s.Threads = n
	}
	return s, nil
}
