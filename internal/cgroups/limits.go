// Package cgroups confines each worker run to its own cgroup with optional
// memory and CPU limits. Everything here is best effort: a host without a
// writable cgroup tree runs the worker unconfined.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// cpuPeriod is the cpu.max period in microseconds.
const cpuPeriod = 100000

// Limits bounds the worker's resources. Zero means unlimited.
type Limits struct {
	MemoryMB   int64 // memory.max
	CPUPercent int   // 100 = one core
	CPUWeight  int   // 1-10000; 0 leaves the kernel default
}

// IsZero reports whether no limit is set.
func (l Limits) IsZero() bool {
	return l.MemoryMB == 0 && l.CPUPercent == 0 && l.CPUWeight == 0
}

func (l Limits) Validate() error {
	var errs []error
	if l.MemoryMB < 0 {
		errs = append(errs, fmt.Errorf("memory limit must be >= 0, got %d", l.MemoryMB))
	}
	if l.CPUPercent < 0 {
		errs = append(errs, fmt.Errorf("cpu percent must be >= 0, got %d", l.CPUPercent))
	}
	if l.CPUWeight < 0 || l.CPUWeight > 10000 {
		errs = append(errs, fmt.Errorf("cpu weight must be 0-10000, got %d", l.CPUWeight))
	}
	return errors.Join(errs...)
}

// cpuMax renders the cpu.max value, "quota period".
func (l Limits) cpuMax() string {
	return fmt.Sprintf("%d %d", l.CPUPercent*cpuPeriod/100, cpuPeriod)
}

// Version returns the cgroup version mounted at root (1 or 2).
func Version(root string) int {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

func writeValue(dir, file string, value interface{}) error {
	if err := os.WriteFile(filepath.Join(dir, file), []byte(fmt.Sprint(value)), 0644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	return nil
}
