// Package classify buckets a worker termination into a closed set of classes.
package classify

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Class is the outcome of classifying one worker termination.
type Class int

const (
	Graceful Class = iota
	DependencyMissing
	GenericCrash
)

func (c Class) String() string {
	switch c {
	case Graceful:
		return "graceful"
	case DependencyMissing:
		return "dependency_missing"
	case GenericCrash:
		return "generic_crash"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classifier maps an exit code and captured failure log to a Class.
type Classifier interface {
	Classify(exitCode int, log []byte) Class
}

// DefaultSignatures are module-resolution markers for the common runtimes.
var DefaultSignatures = []string{
	"ModuleNotFoundError",                  // python
	"No module named",                      // python
	"ImportError",                          // python
	"Cannot find module",                   // node
	"cannot find package",                  // go
	"no required module provides package",  // go modules
	"LoadError",                            // ruby
	"error while loading shared libraries", // dynamic linker
}

// Signatures is a substring-matching Classifier.
type Signatures struct {
	markers [][]byte
}

// New returns a classifier matching the given markers. Empty markers are ignored.
func New(markers ...string) *Signatures {
	s := &Signatures{}
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			s.markers = append(s.markers, []byte(m))
		}
	}
	return s
}

// Default returns a classifier with DefaultSignatures.
func Default() *Signatures {
	return New(DefaultSignatures...)
}

// Classify returns Graceful for exit 0, DependencyMissing when the log
// contains a known marker, GenericCrash otherwise.
func (s *Signatures) Classify(exitCode int, log []byte) Class {
	if exitCode == 0 {
		return Graceful
	}
	if _, ok := s.Match(log); ok {
		return DependencyMissing
	}
	return GenericCrash
}

// Match returns the first marker found in log.
func (s *Signatures) Match(log []byte) (string, bool) {
	for _, m := range s.markers {
		if bytes.Contains(log, m) {
			return string(m), true
		}
	}
	return "", false
}

// Markers returns the configured markers.
func (s *Signatures) Markers() []string {
	out := make([]string, len(s.markers))
	for i, m := range s.markers {
		out[i] = string(m)
	}
	return out
}

// SignatureFile is the on-disk format of classifier.signatures_file:
//
//	replace: false
//	signatures:
//	  - "java.lang.ClassNotFoundException"
//	  - "undefined symbol"
type SignatureFile struct {
	Replace    bool     `yaml:"replace"`
	Signatures []string `yaml:"signatures"`
}

// LoadSignatures reads a signature file.
func LoadSignatures(path string) (*SignatureFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signatures file: %w", err)
	}
	var f SignatureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse signatures file: %w", err)
	}
	return &f, nil
}

// FromFile builds a classifier from DefaultSignatures plus the file's
// signatures, or from the file alone when it sets replace. An empty path
// yields Default().
func FromFile(path string) (*Signatures, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := LoadSignatures(path)
	if err != nil {
		return nil, err
	}
	if f.Replace {
		if len(f.Signatures) == 0 {
			return nil, fmt.Errorf("signatures file %s replaces the defaults with nothing", path)
		}
		return New(f.Signatures...), nil
	}
	return New(append(append([]string{}, DefaultSignatures...), f.Signatures...)...), nil
}
