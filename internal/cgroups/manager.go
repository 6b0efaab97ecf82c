package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const cgroupRoot = "/sys/fs/cgroup"

// Manager creates, fills and removes per-run cgroups under <root>/<parent>.
// On cgroup v1 the cpu and memory hierarchies are handled separately.
type Manager struct {
	root    string
	version int
	parent  string
}

// New returns a manager for the host's cgroup tree.
func New(parent string) *Manager {
	return NewAt(cgroupRoot, Version(cgroupRoot), parent)
}

// NewAt returns a manager for a cgroup tree mounted at root.
func NewAt(root string, version int, parent string) *Manager {
	if parent == "" {
		parent = "warden"
	}
	return &Manager{root: root, version: version, parent: parent}
}

// Group is one created cgroup. Dirs holds one directory on v2 and the cpu
// and memory directories on v1.
type Group struct {
	Dirs []string
}

// Create makes the cgroup for name. It returns a nil Group without error
// when the tree is not writable.
func (m *Manager) Create(name string) (*Group, error) {
	var dirs []string
	if m.version == 2 {
		dirs = []string{filepath.Join(m.root, m.parent, name)}
	} else {
		dirs = []string{
			filepath.Join(m.root, "cpu", m.parent, name),
			filepath.Join(m.root, "memory", m.parent, name),
		}
	}

	g := &Group{}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("create cgroup %s: %w", dir, err)
		}
		g.Dirs = append(g.Dirs, dir)
	}
	if len(g.Dirs) == 0 {
		return nil, nil
	}
	return g, nil
}

// Apply writes the limits into the group.
func (m *Manager) Apply(g *Group, l Limits) error {
	if g == nil {
		return nil
	}
	var errs []error
	for _, dir := range g.Dirs {
		errs = append(errs, m.apply(dir, l))
	}
	return errors.Join(errs...)
}

func (m *Manager) apply(dir string, l Limits) error {
	var errs []error
	if m.version == 2 {
		if l.MemoryMB > 0 {
			errs = append(errs, writeValue(dir, "memory.max", l.MemoryMB*1024*1024))
		}
		if l.CPUPercent > 0 {
			errs = append(errs, writeValue(dir, "cpu.max", l.cpuMax()))
		}
		if l.CPUWeight > 0 {
			errs = append(errs, writeValue(dir, "cpu.weight", l.CPUWeight))
		}
		return errors.Join(errs...)
	}

	switch filepath.Base(filepath.Dir(filepath.Dir(dir))) {
	case "memory":
		if l.MemoryMB > 0 {
			errs = append(errs, writeValue(dir, "memory.limit_in_bytes", l.MemoryMB*1024*1024))
		}
	case "cpu":
		if l.CPUPercent > 0 {
			errs = append(errs, writeValue(dir, "cpu.cfs_period_us", cpuPeriod))
			errs = append(errs, writeValue(dir, "cpu.cfs_quota_us", l.CPUPercent*cpuPeriod/100))
		}
		if l.CPUWeight > 0 {
			// weight 100 = 1024 shares
			errs = append(errs, writeValue(dir, "cpu.shares", l.CPUWeight*1024/100))
		}
	}
	return errors.Join(errs...)
}

// Join moves pid into the group.
func (m *Manager) Join(g *Group, pid int) error {
	if g == nil {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	var errs []error
	for _, dir := range g.Dirs {
		errs = append(errs, writeValue(dir, "cgroup.procs", pid))
	}
	return errors.Join(errs...)
}

// Delete removes the group. The kernel refuses while processes remain.
func (m *Manager) Delete(g *Group) error {
	if g == nil {
		return nil
	}
	var errs []error
	for _, dir := range g.Dirs {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
