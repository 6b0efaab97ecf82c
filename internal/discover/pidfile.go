// Package discover finds worker processes left running by a previous
// supervisor and terminates them before a new worker is launched.
package discover

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Record identifies a launched worker. CreateTime guards against pid reuse.
type Record struct {
	PID        int       `json:"pid"`
	CreateTime int64     `json:"create_time_ms"`
	Command    []string  `json:"command"`
	RunID      string    `json:"run_id"`
	Attempt    int       `json:"attempt"`
	WrittenAt  time.Time `json:"written_at"`
}

// PIDFile persists the Record of the live worker.
type PIDFile struct {
	Path string
}

func NewPIDFile(stateDir string) *PIDFile {
	return &PIDFile{Path: filepath.Join(stateDir, "worker.pid")}
}

// Write replaces the file atomically.
func (f *PIDFile) Write(rec Record) error {
	if rec.WrittenAt.IsZero() {
		rec.WrittenAt = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return fmt.Errorf("create pid file dir: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return os.Rename(tmp, f.Path)
}

// Read returns nil without error when no worker was recorded.
func (f *PIDFile) Read() (*Record, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pid file: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse pid file %s: %w", f.Path, err)
	}
	return &rec, nil
}

func (f *PIDFile) Remove() error {
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
