// Package backup keeps the worker artifact recoverable: one last-known-good
// snapshot, restore on demand, and promotion of staged candidates at launch
// boundaries.
package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNoBackup means a restore was requested but no snapshot exists.
var ErrNoBackup = errors.New("no backup to restore from")

// Manager owns the artifact, its backup and its staging path.
// It is used from the supervisor loop only and does no locking.
type Manager struct {
	Artifact string
	Backup   string
	Staging  string
}

// New returns a Manager for the given paths.
func New(artifact, backup, staging string) *Manager {
	return &Manager{Artifact: artifact, Backup: backup, Staging: staging}
}

// EnsureInitialBackup snapshots the artifact iff the artifact exists and no
// backup does. Calling it again is a no-op. It reports whether a backup was
// written.
func (m *Manager) EnsureInitialBackup() (bool, error) {
	if !exists(m.Artifact) || exists(m.Backup) {
		return false, nil
	}
	if err := copyFile(m.Artifact, m.Backup); err != nil {
		return false, fmt.Errorf("create initial backup: %w", err)
	}
	return true, nil
}

// HasBackup reports whether a snapshot exists.
func (m *Manager) HasBackup() bool {
	return exists(m.Backup)
}

// Restore replaces the artifact wholesale with the backup and discards any
// staged candidate so it is not promoted again.
func (m *Manager) Restore() error {
	if !exists(m.Backup) {
		return fmt.Errorf("%w: %s", ErrNoBackup, m.Backup)
	}
	if err := copyFile(m.Backup, m.Artifact); err != nil {
		return fmt.Errorf("restore %s from %s: %w", m.Artifact, m.Backup, err)
	}
	if err := m.Discard(); err != nil {
		return fmt.Errorf("discard staged candidate: %w", err)
	}
	return nil
}

// Commit replaces the backup with the current artifact.
func (m *Manager) Commit() error {
	if !exists(m.Artifact) {
		return fmt.Errorf("commit backup: artifact %s does not exist", m.Artifact)
	}
	if err := copyFile(m.Artifact, m.Backup); err != nil {
		return fmt.Errorf("commit backup: %w", err)
	}
	return nil
}

// Staged reports whether a candidate is waiting in the staging path.
func (m *Manager) Staged() bool {
	return m.Staging != "" && exists(m.Staging)
}

// Promote makes a staged candidate the active artifact. The current artifact
// is committed as the new backup first, then the candidate is renamed over
// it. It reports false when nothing was staged.
func (m *Manager) Promote() (bool, error) {
	if !m.Staged() {
		return false, nil
	}
	if exists(m.Artifact) {
		if err := m.Commit(); err != nil {
			return false, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(m.Artifact), 0755); err != nil {
		return false, fmt.Errorf("promote candidate: %w", err)
	}
	if err := os.Rename(m.Staging, m.Artifact); err != nil {
		// Staging on another filesystem: fall back to an atomic copy.
		if err := copyFile(m.Staging, m.Artifact); err != nil {
			return false, fmt.Errorf("promote candidate: %w", err)
		}
		if err := os.Remove(m.Staging); err != nil {
			return false, fmt.Errorf("promote candidate: %w", err)
		}
	}
	return true, nil
}

// Discard removes a staged candidate if present.
func (m *Manager) Discard() error {
	if m.Staging == "" {
		return nil
	}
	if err := os.Remove(m.Staging); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// copyFile writes src to a temp file beside dst and renames it into place,
// so dst is either the old or the new content, never a torn mix.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, in); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
