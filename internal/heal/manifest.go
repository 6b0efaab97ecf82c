// Package heal repairs dependency-missing crashes: it asks an oracle for the
// missing package, appends it to the manifest and applies the manifest.
package heal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmptyPackage is returned when asked to append an empty specifier.
var ErrEmptyPackage = errors.New("empty package name")

// Manifest is an append-only, line-oriented dependency list on disk.
type Manifest struct {
	Path string
	// Dedupe skips names already present. Off by default: repeated heals of
	// the same failure append duplicates and installers must tolerate them.
	Dedupe bool
}

// Append adds name as a new line, creating the file and its directory if
// needed. It reports whether a line was written.
func (m *Manifest) Append(name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, ErrEmptyPackage
	}
	if strings.ContainsAny(name, "\r\n") {
		return false, fmt.Errorf("package name %q spans lines", name)
	}

	if m.Dedupe {
		entries, err := m.Entries()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, err
		}
		for _, e := range entries {
			if strings.EqualFold(e, name) {
				return false, nil
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(m.Path), 0755); err != nil {
		return false, fmt.Errorf("create manifest directory: %w", err)
	}

	prefix, err := m.needsNewline()
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(m.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return false, fmt.Errorf("open manifest: %w", err)
	}
	if _, err := f.WriteString(prefix + name + "\n"); err != nil {
		f.Close()
		return false, fmt.Errorf("append to manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close manifest: %w", err)
	}
	return true, nil
}

// needsNewline returns "\n" when the file exists and lacks a trailing newline.
func (m *Manifest) needsNewline() (string, error) {
	f, err := os.Open(m.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return "", err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}
	if last[0] != '\n' {
		return "\n", nil
	}
	return "", nil
}

// Entries returns the manifest's non-empty, non-comment lines in order.
func (m *Manifest) Entries() ([]string, error) {
	f, err := os.Open(m.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}
